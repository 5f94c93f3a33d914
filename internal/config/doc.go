// Package config loads localstore.json, the configuration shared by the
// hub daemon and the CLI.
//
// # Configuration File Structure
//
//	{
//	  "backend": {
//	    "type": "redis",
//	    "redis": {
//	      "addrs": ["localhost:6379"],
//	      "prefix": "localstore:"
//	    }
//	  },
//	  "hub": {
//	    "listen": "127.0.0.1:7070",
//	    "pingInterval": "30s"
//	  },
//	  "log": {
//	    "level": "info",
//	    "format": "json"
//	  }
//	}
//
// Every LOCALSTORE_* environment variable read by ApplyEnv overrides the
// matching file value.
//
// # Usage
//
//	cfg, err := config.LoadOrDefault("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Backend:", cfg.Backend.Type)
package config
