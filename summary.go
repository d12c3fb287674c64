package gomitm

import (
	"time"

	"go.uber.org/zap"
)

// What happened on one proxied connection, logged when it ends.
type ConnectionSummary struct {
	Upstream  string
	Layer     string
	SNI       string
	ClientTLS bool
	ServerTLS bool
	BytesUp   int64
	BytesDown int64
	Duration  time.Duration
}

func (s ConnectionSummary) Fields() []zap.Field {
	return []zap.Field{
		zap.String("upstream", s.Upstream),
		zap.String("layer", s.Layer),
		zap.String("sni", s.SNI),
		zap.Bool("client_tls", s.ClientTLS),
		zap.Bool("server_tls", s.ServerTLS),
		zap.Int64("bytes_up", s.BytesUp),
		zap.Int64("bytes_down", s.BytesDown),
		zap.Duration("duration", s.Duration),
	}
}
