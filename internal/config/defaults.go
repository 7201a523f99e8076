package config

const defaultDataDir = "/usr/local/var/mieru/data"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = defaultDataDir + "/db/mieru.db"
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = defaultDataDir + "/indices"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 512
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 77
	}
	if cfg.Embedding.TimeoutSeconds == 0 {
		cfg.Embedding.TimeoutSeconds = 30
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Tiers == nil {
		cfg.Embedding.Tiers = map[string]TierModels{}
	}
	if _, ok := cfg.Embedding.Tiers["default"]; !ok {
		cfg.Embedding.Tiers["default"] = TierModels{
			TextModelPath:  defaultDataDir + "/models/clip-vit-base-patch32-text.onnx",
			ImageModelPath: defaultDataDir + "/models/clip-vit-base-patch32-visual.onnx",
		}
	}
	if _, ok := cfg.Embedding.Tiers["performance"]; !ok {
		cfg.Embedding.Tiers["performance"] = TierModels{
			TextModelPath:  defaultDataDir + "/models/clip-vit-base-patch32-text-int8.onnx",
			ImageModelPath: defaultDataDir + "/models/clip-vit-base-patch32-visual-int8.onnx",
		}
	}
	if _, ok := cfg.Embedding.Tiers["quality"]; !ok {
		cfg.Embedding.Tiers["quality"] = TierModels{
			TextModelPath:  defaultDataDir + "/models/clip-vit-large-patch14-text.onnx",
			ImageModelPath: defaultDataDir + "/models/clip-vit-large-patch14-visual.onnx",
		}
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 20
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Indexing.IntervalMinutes == 0 {
		cfg.Indexing.IntervalMinutes = 60
	}
}
