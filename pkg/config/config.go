package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Milvus    MilvusConfig
	SQLite    SQLiteConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Reranker  RerankerConfig
	Chunker   ChunkerConfig
	Retrieval RetrievalConfig
	Fetcher   FetcherConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	IndexType      string
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TTLHours int
}

type LLMConfig struct {
	Provider       string
	Model          string
	APIKey         string
	BaseURL        string
	Temperature    float32
	MaxTokens      int
	TimeoutSec     int
	EmbeddingModel string
	EmbeddingDim   int
}

type RerankerConfig struct {
	Enabled          bool
	BaseURL          string
	APIKey           string
	Model            string
	TimeoutSec       int
	MaxPassageLength int
}

type ChunkerConfig struct {
	TargetSize  int
	MaxSize     int
	Overlap     int
	AbsoluteMax int
	Boundary    string
}

type RetrievalConfig struct {
	CoarseK        int
	PreciseK       int
	DedupTopK      int
	WindowDays     int
	AllowSameDay   bool
	PerQueryK      int
	GlobalK        int
	EmbedBatchSize int
}

type FetcherConfig struct {
	TimeoutSec int
	MaxBytes   int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/policy-agent")

	viper.SetEnvPrefix("POLICY_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 60)
	viper.SetDefault("server.bodyLimit", 20971520)

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "policy_chunks")
	viper.SetDefault("milvus.vectorDim", 1792)
	viper.SetDefault("milvus.indexType", "HNSW")

	viper.SetDefault("sqlite.path", "./data/policyrag.db")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlHours", 720)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.1)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.timeoutSec", 60)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-large")
	viper.SetDefault("llm.embeddingDim", 1792)

	viper.SetDefault("reranker.enabled", true)
	viper.SetDefault("reranker.model", "bge-reranker-v2-m3")
	viper.SetDefault("reranker.timeoutSec", 30)
	viper.SetDefault("reranker.maxPassageLength", 512)

	viper.SetDefault("chunker.targetSize", 800)
	viper.SetDefault("chunker.maxSize", 1000)
	viper.SetDefault("chunker.overlap", 150)
	viper.SetDefault("chunker.absoluteMax", 1200)
	viper.SetDefault("chunker.boundary", "cjk")

	viper.SetDefault("fetcher.timeoutSec", 20)
	viper.SetDefault("fetcher.maxBytes", 10485760)

	viper.SetDefault("retrieval.coarseK", 300)
	viper.SetDefault("retrieval.preciseK", 50)
	viper.SetDefault("retrieval.dedupTopK", 15)
	viper.SetDefault("retrieval.windowDays", 730)
	viper.SetDefault("retrieval.allowSameDay", true)
	viper.SetDefault("retrieval.perQueryK", 100)
	viper.SetDefault("retrieval.globalK", 50)
	viper.SetDefault("retrieval.embedBatchSize", 100)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
