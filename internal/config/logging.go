package config

import "github.com/murachue/nosteen-sub000/internal/logger"

// LoggingConfig selects the log level, encoding and optional rotated file.
type LoggingConfig struct {
	Level    string `mapstructure:"LEVEL"  json:"level"  validate:"required,log_level"`
	Format   string `mapstructure:"FORMAT" json:"format" validate:"omitempty,log_format"`
	FilePath string `mapstructure:"FILE"   json:"file"   validate:"omitempty"`
	// Rotation applies only when FilePath is set.
	MaxSize    int  `mapstructure:"MAX_SIZE"    json:"max_size"    validate:"required,min=1,max=1000"`
	MaxBackups int  `mapstructure:"MAX_BACKUPS" json:"max_backups" validate:"min=0,max=100"`
	MaxAge     int  `mapstructure:"MAX_AGE"     json:"max_age"     validate:"required,min=1,max=365"`
	Compress   bool `mapstructure:"COMPRESS"    json:"compress"`
}

func (l LoggingConfig) rotation() logger.Rotation {
	return logger.Rotation{
		MaxSizeMB:  l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAge,
		Compress:   l.Compress,
	}
}
