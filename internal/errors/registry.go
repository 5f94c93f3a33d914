package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Store Errors (LS001-LS099)
	// ============================================

	"LS001": {
		Category: CategoryEnvironment,
		Message:  "not supported in this environment",
		Detail:   "The store needs a storage backend that can also deliver change notifications.",
	},
	"LS010": {
		Category: CategoryArgument,
		Message:  "the key is required",
		Detail:   "The key identifies the shared entry in the storage backend and the change events that belong to it.",
	},
	"LS011": {
		Category: CategoryArgument,
		Message:  "the defaultValue should be an object",
		Detail:   "The default value must encode to a JSON object, such as a map or a struct.",
	},
	"LS020": {
		Category: CategoryInput,
		Message:  "the type of options is not supported",
		Detail:   "Please make sure options is a valid object that encodes to JSON.",
	},
	"LS021": {
		Category: CategoryInput,
		Message:  "circular references in object is not supported",
		Detail:   "The value refers to itself. Only tree-shaped values can be stored.",
	},
	"LS030": {
		Category: CategoryStorage,
		Message:  "storage read failed",
		Detail:   "The storage backend returned an error while reading the entry.",
	},
	"LS031": {
		Category: CategoryStorage,
		Message:  "storage write failed",
		Detail:   "The storage backend returned an error while writing the entry. The local value was not changed.",
	},
	"LS032": {
		Category: CategoryStorage,
		Message:  "subscription failed",
		Detail:   "The backend could not start delivering change notifications.",
	},
	"LS040": {
		Category: CategoryLifecycle,
		Message:  "store is closed",
		Detail:   "The store was closed and no longer writes to the backend.",
	},

	// ============================================
	// Configuration Errors (LS100-LS199)
	// ============================================

	"LS100": {
		Category: CategoryConfig,
		Message:  "invalid localstore.json",
		Detail:   "The localstore.json configuration file is malformed.",
	},
	"LS101": {
		Category: CategoryConfig,
		Message:  "config file not found",
		Detail:   "No configuration file exists at the given path.",
	},
	"LS102": {
		Category: CategoryConfig,
		Message:  "unknown backend type",
		Detail:   "Supported backends are memory, file, redis, etcd and s3.",
	},
	"LS103": {
		Category: CategoryConfig,
		Message:  "missing required configuration",
		Detail:   "A required configuration value is not set.",
	},
	"LS104": {
		Category: CategoryConfig,
		Message:  "invalid duration",
		Detail:   "Durations use Go syntax, such as 250ms, 30s or 1m.",
	},
	"LS105": {
		Category: CategoryConfig,
		Message:  "invalid log level",
		Detail:   "Supported levels are debug, info, warn and error.",
	},

	// ============================================
	// Transport Errors (LS200-LS299)
	// ============================================

	"LS200": {
		Category: CategoryTransport,
		Message:  "hub request failed",
		Detail:   "The hub returned an unexpected status or could not be reached.",
	},
	"LS201": {
		Category: CategoryTransport,
		Message:  "watch connection failed",
		Detail:   "Unable to establish the WebSocket watch connection to the hub.",
	},
	"LS202": {
		Category: CategoryTransport,
		Message:  "invalid hub message",
		Detail:   "A message received from the hub could not be decoded.",
	},
}
