// internal/pkg/config/config.go
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 汇总了一个服务进程需要的所有基础设施配置。
// 配置来源：YAML 文件为主，环境变量覆盖（部署时更方便）。
type Config struct {
	Service struct {
		Name string `yaml:"name"`
		Port int    `yaml:"port"`
	} `yaml:"service"`

	Infra struct {
		MySQL struct {
			DSN string `yaml:"dsn"`
		} `yaml:"mysql"`
		Kafka struct {
			Brokers []string `yaml:"brokers"`
		} `yaml:"kafka"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
		Zookeeper struct {
			Addrs []string `yaml:"addrs"`
		} `yaml:"zookeeper"`
		Jaeger struct {
			Endpoint string `yaml:"endpoint"`
		} `yaml:"jaeger"`
		Nacos struct {
			ServerAddrs string `yaml:"server_addrs"`
			Namespace   string `yaml:"namespace"`
			Group       string `yaml:"group"`
		} `yaml:"nacos"`
	} `yaml:"infra"`

	Outbox struct {
		PollInterval  time.Duration `yaml:"poll_interval"`
		BatchSize     int           `yaml:"batch_size"`
		MaxRetries    int           `yaml:"max_retries"`
		RetentionDays int           `yaml:"retention_days"`
		StaleAfter    time.Duration `yaml:"stale_after"`
	} `yaml:"outbox"`

	Saga struct {
		Workers int64 `yaml:"workers"`
	} `yaml:"saga"`

	Lock struct {
		Wait  time.Duration `yaml:"wait"`
		Lease time.Duration `yaml:"lease"`
	} `yaml:"lock"`

	Idempotency struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"idempotency"`
}

// Load 读取 YAML 配置文件并应用默认值与环境变量覆盖。
// path 为空时只使用默认值 + 环境变量，方便本地快速启动。
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Port == 0 {
		c.Service.Port = 8080
	}
	if c.Infra.MySQL.DSN == "" {
		c.Infra.MySQL.DSN = "root:root@tcp(localhost:3306)/mercury?charset=utf8mb4&parseTime=True&loc=Local"
	}
	if len(c.Infra.Kafka.Brokers) == 0 {
		c.Infra.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Infra.Redis.Addr == "" {
		c.Infra.Redis.Addr = "localhost:6379"
	}
	if len(c.Infra.Zookeeper.Addrs) == 0 {
		c.Infra.Zookeeper.Addrs = []string{"localhost:2181"}
	}
	if c.Infra.Jaeger.Endpoint == "" {
		c.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 100 * time.Millisecond
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 3
	}
	if c.Outbox.RetentionDays == 0 {
		c.Outbox.RetentionDays = 7
	}
	if c.Outbox.StaleAfter == 0 {
		c.Outbox.StaleAfter = time.Hour
	}
	if c.Saga.Workers == 0 {
		c.Saga.Workers = 16
	}
	if c.Lock.Wait == 0 {
		c.Lock.Wait = 5 * time.Second
	}
	if c.Lock.Lease == 0 {
		c.Lock.Lease = 10 * time.Second
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}
}

// applyEnv 让部署环境可以在不改动配置文件的情况下覆盖关键项。
func (c *Config) applyEnv() {
	c.Infra.MySQL.DSN = GetEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addr = GetEnv("REDIS_ADDR", c.Infra.Redis.Addr)
	c.Infra.Jaeger.Endpoint = GetEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Nacos.ServerAddrs = GetEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = GetEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = GetEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	if v, ok := os.LookupEnv("KAFKA_BROKERS"); ok && v != "" {
		c.Infra.Kafka.Brokers = splitCSV(v)
	}
	if v, ok := os.LookupEnv("ZK_ADDRS"); ok && v != "" {
		c.Infra.Zookeeper.Addrs = splitCSV(v)
	}
	if v, ok := os.LookupEnv("SERVICE_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			c.Service.Port = p
		}
	}
}

// GetEnv 从环境变量读取配置，不存在时返回兜底值。
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
