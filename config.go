package livecall

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Config carries the tunables of one call session. The buffer duration and
// message threshold were never stabilized upstream, so both stay explicit
// configuration rather than hardcoded constants.
type Config struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// BufferDurationMS is how much audio one transcription segment holds.
	BufferDurationMS int `yaml:"buffer_duration_ms"`
	// MessageThreshold is how many utterances trigger one topic push.
	MessageThreshold int `yaml:"message_threshold"`
	// FrameQueueSize bounds the per-buffer append queue; frames beyond it
	// are dropped rather than blocking the delivery path.
	FrameQueueSize int `yaml:"frame_queue_size"`

	TranscriptURL string `yaml:"transcript_url"`
	TopicBaseURL  string `yaml:"topic_base_url"`
	TokenURL      string `yaml:"token_url"`

	TeardownTimeoutMS int `yaml:"teardown_timeout_ms"`

	// RequeueOnPushFailure restores a failed batch to the ledger head so the
	// next flush retries it. Off by default: a lost batch degrades topic
	// quality, it never ends the call.
	RequeueOnPushFailure bool `yaml:"requeue_on_push_failure"`
}

func DefaultConfig() Config {
	return Config{
		SampleRate:        24000,
		Channels:          1,
		BufferDurationMS:  3000,
		MessageThreshold:  5,
		FrameQueueSize:    256,
		TeardownTimeoutMS: 5000,
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", c.Channels)
	}
	if c.BufferDurationMS <= 0 {
		return fmt.Errorf("buffer_duration_ms must be positive, got %d", c.BufferDurationMS)
	}
	if c.MessageThreshold <= 0 {
		return fmt.Errorf("message_threshold must be positive, got %d", c.MessageThreshold)
	}
	if c.FrameQueueSize <= 0 {
		return fmt.Errorf("frame_queue_size must be positive, got %d", c.FrameQueueSize)
	}
	return nil
}

func (c Config) BufferDuration() time.Duration {
	return time.Duration(c.BufferDurationMS) * time.Millisecond
}

func (c Config) TeardownTimeout() time.Duration {
	return time.Duration(c.TeardownTimeoutMS) * time.Millisecond
}

// SegmentThreshold is the byte size at which a frame buffer yields a
// segment: sampleRate x duration x 2 bytes per sample.
func (c Config) SegmentThreshold() int {
	return SegmentBytes(c.SampleRate, c.Channels, c.BufferDuration())
}
