package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// PollPolicy 描述某一类生成任务的轮询节奏
type PollPolicy struct {
	Interval time.Duration `yaml:"interval"`
	MaxPolls int           `yaml:"max_polls"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

type MinIOConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	UseSSL    bool          `yaml:"use_ssl"`
	URLExpiry time.Duration `yaml:"url_expiry"`
}

type FFmpegConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

type PlannerConfig struct {
	Provider    string  `yaml:"provider"` // openai|gemini
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"` // 可选，代理或兼容网关
	OpenAIKey   string  `yaml:"openai_key"`
	GeminiKey   string  `yaml:"gemini_key"`
	Temperature float64 `yaml:"temperature"`
	Language    string  `yaml:"language"`
}

type MiniMaxConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	SpeechModel string        `yaml:"speech_model"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log   LogConfig `yaml:"log"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Queue struct {
		Enabled     bool `yaml:"enabled"`
		Concurrency int  `yaml:"concurrency"`
	} `yaml:"queue"`
	Locks struct {
		Backend string        `yaml:"backend"` // local|redis
		TTL     time.Duration `yaml:"ttl"`
	} `yaml:"locks"`
	MinIO   MinIOConfig `yaml:"minio"`
	Storage struct {
		WorkDir string `yaml:"work_dir"`
	} `yaml:"storage"`
	FFmpeg FFmpegConfig `yaml:"ffmpeg"`
	Poller struct {
		Video      PollPolicy    `yaml:"video"`
		VoiceClone PollPolicy    `yaml:"voice_clone"`
		Plan       PollPolicy    `yaml:"plan"`
		Audio      PollPolicy    `yaml:"audio"`
		Retention  time.Duration `yaml:"retention"`
	} `yaml:"poller"`
	Video struct {
		Model      string `yaml:"model"`
		Resolution string `yaml:"resolution"`
	} `yaml:"video"`
	Planner PlannerConfig `yaml:"planner"`
	MiniMax MiniMaxConfig `yaml:"minimax"`
}

var AppConfig *Config

// InitConfig 读取配置文件并设置全局 AppConfig，失败直接退出
func InitConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("配置文件加载失败: %v", err)
	}
	AppConfig = cfg
}

// Load 读取 .env（可选）与 YAML 配置，展开 ${VAR} 占位符并填充默认值
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse 解析 YAML 内容
func Parse(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 5
	}
	if c.Locks.Backend == "" {
		c.Locks.Backend = "local"
	}
	if c.Locks.TTL <= 0 {
		c.Locks.TTL = 2 * time.Minute
	}
	if c.MinIO.URLExpiry <= 0 {
		c.MinIO.URLExpiry = 72 * time.Hour
	}
	if c.Storage.WorkDir == "" {
		c.Storage.WorkDir = os.TempDir()
	}
	if c.FFmpeg.FFmpegPath == "" {
		c.FFmpeg.FFmpegPath = "ffmpeg"
	}
	if c.FFmpeg.FFprobePath == "" {
		c.FFmpeg.FFprobePath = "ffprobe"
	}

	// 视频生成较慢：10s 一次，最多 60 次（约 10 分钟）；其余任务 12 次
	c.Poller.Video = normalizePolicy(c.Poller.Video, 60)
	c.Poller.VoiceClone = normalizePolicy(c.Poller.VoiceClone, 12)
	c.Poller.Plan = normalizePolicy(c.Poller.Plan, 12)
	c.Poller.Audio = normalizePolicy(c.Poller.Audio, 12)
	if c.Poller.Retention <= 0 {
		c.Poller.Retention = time.Hour
	}

	if c.Video.Model == "" {
		c.Video.Model = "MiniMax-Hailuo-02"
	}
	if c.Video.Resolution == "" {
		c.Video.Resolution = "768P"
	}
	if c.Planner.Provider == "" {
		c.Planner.Provider = "openai"
	}
	if c.Planner.Model == "" {
		switch c.Planner.Provider {
		case "gemini":
			c.Planner.Model = "gemini-2.0-flash"
		default:
			c.Planner.Model = "gpt-4o"
		}
	}
	if c.Planner.Temperature == 0 {
		c.Planner.Temperature = 0.7
	}
	if c.MiniMax.BaseURL == "" {
		c.MiniMax.BaseURL = "https://api.minimax.io/v1"
	}
	if c.MiniMax.SpeechModel == "" {
		c.MiniMax.SpeechModel = "speech-02-hd"
	}
	if c.MiniMax.Timeout <= 0 {
		c.MiniMax.Timeout = 120 * time.Second
	}
}

func normalizePolicy(p PollPolicy, maxPolls int) PollPolicy {
	if p.Interval <= 0 {
		p.Interval = 10 * time.Second
	}
	if p.MaxPolls <= 0 {
		p.MaxPolls = maxPolls
	}
	return p
}

func (c *Config) validate() error {
	switch c.Planner.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("planner.provider must be openai or gemini, got %q", c.Planner.Provider)
	}
	switch c.Locks.Backend {
	case "local":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("locks.backend=redis requires redis.addr")
		}
	default:
		return fmt.Errorf("locks.backend must be local or redis, got %q", c.Locks.Backend)
	}
	if c.Queue.Enabled && c.Redis.Addr == "" {
		return errors.New("queue.enabled requires redis.addr")
	}
	return nil
}
