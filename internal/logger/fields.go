package logger

import (
	"time"

	"go.uber.org/zap"
)

func UserID(v string) zap.Field { return zap.String("user_id", v) }

func Provider(v string) zap.Field { return zap.String("provider", v) }

func Component(v string) zap.Field { return zap.String("component", v) }

func Op(v string) zap.Field { return zap.String("op", v) }

func Count(v int) zap.Field { return zap.Int("count", v) }

func Err(err error) zap.Field { return zap.Error(err) }

func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }

func ExternalID(v string) zap.Field { return zap.String("external_id", v) }

// Fingerprint logs a shortened vault fingerprint, never the secret itself.
func Fingerprint(v string) zap.Field {
	if len(v) > 12 {
		v = v[:12]
	}
	return zap.String("fingerprint", v)
}
