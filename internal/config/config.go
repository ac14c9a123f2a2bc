package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Config is the single structured document loaded once at startup
// (spec §6).
type Config struct {
	Service     ServiceConfig     `koanf:"service"`
	Kafka       KafkaConfig       `koanf:"kafka"`
	RedisRcv    []ReceiverConfig  `koanf:"redis_rcv"`
	Servers     []ServerConfig    `koanf:"servers"`
	Sqlite      LocalStoreConfig  `koanf:"sqlite"`
	Merge       MergeConfig       `koanf:"merge"`
	OCR         OCRConfig         `koanf:"ocr"`
	ImageRemote ImageRemoteConfig `koanf:"image_remote"`
	SpecialSite SpecialSiteConfig `koanf:"special_site"`
	Ingest      IngestConfig      `koanf:"ingest"`
	Retention   RetentionConfig   `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// KafkaConfig carries the transport-level bus settings shared by every
// receiver: TLS/SASL and the broker list, kept exactly as the teacher
// wires them for its state/history consumers.
type KafkaConfig struct {
	Brokers       []string   `koanf:"brokers"`
	ClientID      string     `koanf:"client_id"`
	TLS           TLSConfig  `koanf:"tls"`
	SASL          SASLConfig `koanf:"sasl"`
	FetchMaxBytes int32      `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// ReceiverConfig describes one bus subscription (spec §6 "redis_rcv").
// The transport is the Kafka-protocol client in internal/bus; the key
// name is kept for wire compatibility with the distilled spec, which
// named every inbound channel after its legacy redis origin.
type ReceiverConfig struct {
	Channel  string   `koanf:"channel"`
	Label    string   `koanf:"label"`
	GroupID  string   `koanf:"group_id"`
	SendTo   []string `koanf:"send_to"`
	ToServer bool     `koanf:"to_server"`
	ToMerge  bool     `koanf:"to_merge"`
	ToOCR    bool     `koanf:"to_ocr"`
}

// ServerConfig describes one sink adaptor (spec §6 "servers").
type ServerConfig struct {
	Type         string `koanf:"type"` // grpc|volt|redis|sqlite|manual
	IP           string `koanf:"ip"`
	Port         int    `koanf:"port"`
	Name         string `koanf:"name"`
	Mode         string `koanf:"mode"` // java|sharp, grpc-only
	CamID        string `koanf:"cam_id"`
	CompanionDSN string `koanf:"companion_dsn"`
}

// LocalStoreConfig tunes the spool + retry worker. The config key is
// kept as "sqlite" per spec §6; the store itself is Postgres-backed —
// see DESIGN.md.
type LocalStoreConfig struct {
	DSN      string `koanf:"database"`
	Table    string `koanf:"table"`
	Interval int    `koanf:"interval"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type MergeConfig struct {
	Enabled bool `koanf:"enabled"`
}

type ModelConfig struct {
	Path string `koanf:"path"`
}

type OCRConfig struct {
	Enabled            bool        `koanf:"enabled"`
	PlateDetectorModel ModelConfig `koanf:"plate_detector_model"`
	OCRModel           ModelConfig `koanf:"ocr_model"`
}

type ImageRemoteConfig struct {
	Host              string `koanf:"host"`
	Port              int    `koanf:"port"`
	CarImagePath2K    string `koanf:"car_image_path_2k"`
	CarImagePath4K    string `koanf:"car_image_path_4k"`
	QueueImagePath    string `koanf:"queue_image_path"`
	AbnormalImagePath string `koanf:"abnormal_image_path"`
}

type LaneGroup struct {
	CamID string `koanf:"cam_id"`
	Lane  []int  `koanf:"lane"`
}

type SpecialSiteConfig struct {
	Enabled bool                 `koanf:"enabled"`
	Dir     map[string]LaneGroup `koanf:"dir"` // keys: straight|left|right
}

type IngestConfig struct {
	ChannelBufferSize     int  `koanf:"channel_buffer_size"`
	MaxPayloadBytes       int  `koanf:"max_payload_bytes"`
	StoreRawBytes         bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: EDGE_INGESTER_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("EDGE_INGESTER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "EDGE_INGESTER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "edge-ingester-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "edge-ingester",
			FetchMaxBytes: 52428800,
		},
		Sqlite: LocalStoreConfig{
			Table:    "spool_rows",
			Interval: 10,
			MaxConns: 10,
			MinConns: 1,
		},
		Ingest: IngestConfig{
			ChannelBufferSize:     256,
			MaxPayloadBytes:       16777216,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if len(c.RedisRcv) == 0 {
		return fmt.Errorf("config: redis_rcv must declare at least one receiver")
	}
	for i, r := range c.RedisRcv {
		if r.Label == "" {
			return fmt.Errorf("config: redis_rcv[%d].label is required", i)
		}
		if r.Channel == "" {
			return fmt.Errorf("config: redis_rcv[%d].channel is required", i)
		}
		if r.GroupID == "" {
			return fmt.Errorf("config: redis_rcv[%d].group_id is required", i)
		}
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("config: servers must declare at least one sink")
	}
	for i, s := range c.Servers {
		switch s.Type {
		case "grpc", "volt", "redis", "sqlite", "manual":
		default:
			return fmt.Errorf("config: servers[%d].type %q is not one of grpc|volt|redis|sqlite|manual", i, s.Type)
		}
	}
	if c.Sqlite.DSN == "" {
		return fmt.Errorf("config: sqlite.database (local store DSN) is required")
	}
	if c.Sqlite.Interval <= 0 {
		return fmt.Errorf("config: sqlite.interval must be > 0 (got %d)", c.Sqlite.Interval)
	}
	if c.Ingest.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: ingest.channel_buffer_size must be > 0 (got %d)", c.Ingest.ChannelBufferSize)
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("config: ingest.max_payload_bytes must be > 0 (got %d)", c.Ingest.MaxPayloadBytes)
	}
	if c.Kafka.FetchMaxBytes <= 0 {
		return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
	}
	if int32(c.Ingest.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
		return fmt.Errorf("config: ingest.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
			c.Ingest.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	return nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
