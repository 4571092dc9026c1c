package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dari_scrooper/models"
)

type Config struct {
	DatabaseURL  string
	SQLitePath   string
	SeenFile     string
	LogPath      string
	LogLevel     string
	MetricsAddr  string
	SitesDir     string
	SearchesFile string
	Scheduler    SchedulerConfig
	Scraper      ScraperConfig
	Agent        AgentConfig
	Images       ImagesConfig
	S3           S3Config
	Sites        map[string]*SiteConfig
	Searches     []models.SearchParams
}

type SchedulerConfig struct {
	Interval time.Duration
	Cron     string
}

type ScraperConfig struct {
	MaxConcurrency int
	DelayMS        int
	MaxRetries     int
	Timeout        time.Duration
	UserAgent      string
	ProxyURL       string
}

// AgentConfig holds the anomaly thresholds of the strategy controller.
type AgentConfig struct {
	MinRecordsPerPage int
	MinPageQuality    float64
	PriceMin          float64
	PriceMax          float64
	HealPause         time.Duration
}

type ImagesConfig struct {
	Enabled     bool
	Dir         string
	Concurrency int
	Retries     int
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// SiteConfig describes one config-driven adapter.
type SiteConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name"`
	Handler      string            `yaml:"handler"`
	BaseURL      string            `yaml:"base_url"`
	SearchURL    string            `yaml:"search_url"`
	Transactions map[string]string `yaml:"transactions"`
	DelayMS      int               `yaml:"delay_ms"`
	JitterMS     int               `yaml:"jitter_ms"`
	MaxRetries   int               `yaml:"max_retries"`
	Currency     string            `yaml:"currency"`
	Selectors    Selectors         `yaml:"selectors"`
	Images       ImageFilterConfig `yaml:"images"`
}

// Selector is a CSS selector plus an optional attribute to read instead of text.
type Selector struct {
	CSS  string `yaml:"css"`
	Attr string `yaml:"attr"`
}

type Selectors struct {
	ListingLink  Selector            `yaml:"listing_link"`
	IDPattern    string              `yaml:"id_pattern"`
	Title        Selector            `yaml:"title"`
	Price        Selector            `yaml:"price"`
	PropertyType Selector            `yaml:"property_type"`
	Governorate  Selector            `yaml:"governorate"`
	City         Selector            `yaml:"city"`
	Zone         Selector            `yaml:"zone"`
	District     Selector            `yaml:"district"`
	Address      Selector            `yaml:"address"`
	Lat          Selector            `yaml:"lat"`
	Lon          Selector            `yaml:"lon"`
	Surface      Selector            `yaml:"surface"`
	Rooms        Selector            `yaml:"rooms"`
	Bathrooms    Selector            `yaml:"bathrooms"`
	PostedAt     Selector            `yaml:"posted_at"`
	PostedLayout string              `yaml:"posted_layout"`
	Images       Selector            `yaml:"images"`
	POI          map[string]Selector `yaml:"poi"`
}

// ImageFilterConfig lists what separates a listing photo from a UI asset.
type ImageFilterConfig struct {
	Require           []string `yaml:"require"`
	ExcludeKeywords   []string `yaml:"exclude_keywords"`
	ExcludeExtensions []string `yaml:"exclude_extensions"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		SQLitePath:   getEnv("SQLITE_PATH", "scraper.db"),
		SeenFile:     getEnv("SEEN_FILE", "data/seen_keys.txt"),
		LogPath:      getEnv("LOG_PATH", "daemon.log"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		MetricsAddr:  getEnv("METRICS_ADDR", ":9108"),
		SitesDir:     getEnv("SITES_DIR", "config/sites"),
		SearchesFile: getEnv("SEARCHES_FILE", "config/searches.yaml"),
		Scheduler: SchedulerConfig{
			Cron:     os.Getenv("SCRAPE_CRON"),
			Interval: getEnvDuration("SCRAPE_INTERVAL", 6*time.Hour),
		},
		Scraper: ScraperConfig{
			MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 3),
			DelayMS:        getEnvInt("SCRAPE_DELAY_MS", 2000),
			MaxRetries:     getEnvInt("FETCH_MAX_RETRIES", 4),
			Timeout:        getEnvDuration("FETCH_TIMEOUT", 30*time.Second),
			UserAgent:      getEnv("USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			ProxyURL:       os.Getenv("PROXY_URL"),
		},
		Agent: AgentConfig{
			MinRecordsPerPage: getEnvInt("MIN_RECORDS_PER_PAGE", 10),
			MinPageQuality:    getEnvFloat("MIN_PAGE_QUALITY", 70),
			PriceMin:          getEnvFloat("PRICE_MIN", 5000),
			PriceMax:          getEnvFloat("PRICE_MAX", 5000000),
			HealPause:         getEnvDuration("HEAL_PAUSE", 5*time.Second),
		},
		Images: ImagesConfig{
			Enabled:     os.Getenv("IMAGES_ENABLED") == "true",
			Dir:         getEnv("IMAGES_DIR", "images"),
			Concurrency: getEnvInt("IMAGE_CONCURRENCY", 4),
			Retries:     getEnvInt("IMAGE_RETRIES", 2),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Sites: make(map[string]*SiteConfig),
	}

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, err
	}
	if err := cfg.loadSearches(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadSiteConfigs() error {
	entries, err := os.ReadDir(c.SitesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(c.SitesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var site SiteConfig
		if err := yaml.Unmarshal(data, &site); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if site.ID == "" {
			return fmt.Errorf("parse %s: missing id", path)
		}

		c.Sites[site.ID] = &site
	}

	return nil
}

func (c *Config) loadSearches() error {
	data, err := os.ReadFile(c.SearchesFile)
	if err != nil {
		if os.IsNotExist(err) {
			c.Searches = []models.SearchParams{
				{Transaction: models.TransactionSale, MaxPages: 10},
				{Transaction: models.TransactionRent, MaxPages: 10},
			}
			return nil
		}
		return err
	}

	var doc struct {
		Searches []models.SearchParams `yaml:"searches"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", c.SearchesFile, err)
	}
	c.Searches = doc.Searches
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
