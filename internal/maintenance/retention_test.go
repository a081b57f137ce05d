package maintenance

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestRetainer_Run_InvalidTimezone(t *testing.T) {
	r := NewRetainer(nil, 30, "Not/A_Zone", zap.NewNop())
	if _, err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
}
