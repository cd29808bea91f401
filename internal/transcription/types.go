package transcription

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

const (
	EngineSidecar = "sidecar"
	EngineCommand = "command"
)

type Result struct {
	Text            string
	Language        string
	DurationSeconds float64
	Model           string
}

type Config struct {
	Address        string
	Token          string
	TLSCreds       credentials.TransportCredentials
	Timeout        time.Duration
	MaxMessageSize int
	DialOptions    []grpc.DialOption

	Command    string
	WarmupArgs []string

	Model    string
	Language string
}
