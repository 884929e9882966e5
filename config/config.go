package config

import (
	"time"

	"github.com/customeros/mailblast/internal/enum"
)

type AppConfig struct {
	APIPort           string `env:"PORT,required" envDefault:"12222"`
	APIKey            string `env:"API_KEY,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL"`
	RedisURL          string `env:"REDIS_URL"`
	TrackingPublicUrl string `env:"TRACKING_PUBLIC_URL" envDefault:"https://track.mailblast.io"`
	UnsubscribeSecret string `env:"UNSUBSCRIBE_SECRET,required"`
	MessageIdDomain   string `env:"MESSAGE_ID_DOMAIN" envDefault:"mailblast.io"`
}

type MailblastDatabaseConfig struct {
	Host            string `env:"MAILBLAST_POSTGRES_HOST,required"`
	Port            string `env:"MAILBLAST_POSTGRES_PORT,required"`
	User            string `env:"MAILBLAST_POSTGRES_USER,required"`
	DBName          string `env:"MAILBLAST_POSTGRES_DB_NAME,required"`
	Password        string `env:"MAILBLAST_POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"MAILBLAST_POSTGRES_DB_MAX_CONN" envDefault:"50"`
	MaxIdleConn     int    `env:"MAILBLAST_POSTGRES_DB_MAX_IDLE_CONN" envDefault:"10"`
	ConnMaxLifetime int    `env:"MAILBLAST_POSTGRES_DB_CONN_MAX_LIFETIME" envDefault:"60"`
	LogLevel        string `env:"MAILBLAST_POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"MAILBLAST_POSTGRES_SSL_MODE" envDefault:"disable"`
}

type DispatchConfig struct {
	DefaultBatchSize int           `env:"DISPATCH_DEFAULT_BATCH_SIZE" envDefault:"200"`
	InterBatchDelay  time.Duration `env:"DISPATCH_INTER_BATCH_DELAY" envDefault:"60s"`
	StaleQueuedAfter time.Duration `env:"DISPATCH_STALE_QUEUED_AFTER" envDefault:"6h"`
	BatchLockTTL     time.Duration `env:"DISPATCH_BATCH_LOCK_TTL" envDefault:"5m"`
	QuotaWaitDelay   time.Duration `env:"DISPATCH_QUOTA_WAIT_DELAY" envDefault:"30m"`
	WatchdogIdle     time.Duration `env:"DISPATCH_WATCHDOG_IDLE" envDefault:"2h"`
}

type FailurePolicyConfig struct {
	Mode         enum.CampaignFailureMode `env:"CAMPAIGN_FAILURE_MODE" envDefault:"threshold"`
	ThresholdPct float64                  `env:"CAMPAIGN_FAILURE_THRESHOLD_PCT" envDefault:"20"`
	MinAttempts  int                      `env:"CAMPAIGN_FAILURE_MIN_ATTEMPTS" envDefault:"50"`
}

type TrainerConfig struct {
	Window           time.Duration `env:"TRAINER_WINDOW" envDefault:"168h"`
	MinSample        int64         `env:"TRAINER_MIN_SAMPLE" envDefault:"50"`
	MaxBounceRate    float64       `env:"TRAINER_MAX_BOUNCE_RATE" envDefault:"5.0"`
	MaxComplaintRate float64       `env:"TRAINER_MAX_COMPLAINT_RATE" envDefault:"0.1"`
	IncreaseFactor   float64       `env:"TRAINER_INCREASE_FACTOR" envDefault:"2"`
	DecreaseFactor   float64       `env:"TRAINER_DECREASE_FACTOR" envDefault:"0.5"`
	MinDailyLimit    int           `env:"TRAINER_MIN_DAILY_LIMIT" envDefault:"10"`
	WeightDelivery   float64       `env:"TRAINER_WEIGHT_DELIVERY" envDefault:"2"`
	WeightBounce     float64       `env:"TRAINER_WEIGHT_BOUNCE" envDefault:"3"`
	WeightComplaint  float64       `env:"TRAINER_WEIGHT_COMPLAINT" envDefault:"10"`
	WeightFBL        float64       `env:"TRAINER_WEIGHT_FBL" envDefault:"5"`
	WeightDiagnostic float64       `env:"TRAINER_WEIGHT_DIAGNOSTIC" envDefault:"1"`
	CapGmail         int           `env:"TRAINER_CAP_GMAIL" envDefault:"2000"`
	CapYahoo         int           `env:"TRAINER_CAP_YAHOO" envDefault:"1000"`
	CapMicrosoft     int           `env:"TRAINER_CAP_MICROSOFT" envDefault:"500"`
	CapOther         int           `env:"TRAINER_CAP_OTHER" envDefault:"1000"`
	EarlyStageDays   int           `env:"TRAINER_EARLY_STAGE_DAYS" envDefault:"14"`
	EarlyStageCap    int           `env:"TRAINER_EARLY_STAGE_CAP" envDefault:"5000"`
	MidStageDays     int           `env:"TRAINER_MID_STAGE_DAYS" envDefault:"42"`
	MidStageCap      int           `env:"TRAINER_MID_STAGE_CAP" envDefault:"20000"`
	BlacklistCheck   bool          `env:"TRAINER_BLACKLIST_CHECK" envDefault:"false"`
	DomainAgeCheck   bool          `env:"TRAINER_DOMAIN_AGE_CHECK" envDefault:"false"`
}

type BounceConfig struct {
	Concurrency    int           `env:"BOUNCE_CONCURRENCY" envDefault:"4"`
	DomainTimeout  time.Duration `env:"BOUNCE_DOMAIN_TIMEOUT" envDefault:"300s"`
	DialTimeout    time.Duration `env:"BOUNCE_DIAL_TIMEOUT" envDefault:"30s"`
	MaxMessages    int           `env:"BOUNCE_MAX_MESSAGES" envDefault:"500"`
	TrackingHeader string        `env:"BOUNCE_TRACKING_HEADER" envDefault:"X-Mailblast-Tracking-Id"`
}
