package oauth

import "testing"

func TestConfig_withDefaults(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		wantBody  int64
		wantBurst int
	}{
		{
			name:      "zero config",
			config:    Config{},
			wantBody:  DefaultMaxRequestBodyBytes,
			wantBurst: 0,
		},
		{
			name:      "burst follows rate",
			config:    Config{RateLimit: RateLimitConfig{Rate: 10}},
			wantBody:  DefaultMaxRequestBodyBytes,
			wantBurst: 10,
		},
		{
			name:      "explicit values kept",
			config:    Config{MaxRequestBodyBytes: 1024, RateLimit: RateLimitConfig{Rate: 10, Burst: 50}},
			wantBody:  1024,
			wantBurst: 50,
		},
		{
			name:      "negative body size",
			config:    Config{MaxRequestBodyBytes: -1},
			wantBody:  DefaultMaxRequestBodyBytes,
			wantBurst: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.config.withDefaults()
			if got.MaxRequestBodyBytes != tt.wantBody {
				t.Errorf("MaxRequestBodyBytes = %d, want %d", got.MaxRequestBodyBytes, tt.wantBody)
			}
			if got.RateLimit.Burst != tt.wantBurst {
				t.Errorf("RateLimit.Burst = %d, want %d", got.RateLimit.Burst, tt.wantBurst)
			}
		})
	}
}
