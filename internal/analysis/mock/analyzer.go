package mock

import (
	"context"

	"github.com/riverstation/stationd/internal/analysis"
)

// MockAnalyzer satisfies analysis.Analyzer for testing.
type MockAnalyzer struct {
	RunFunc func(ctx context.Context, req analysis.Request) (*analysis.Result, error)
}

func (m *MockAnalyzer) Run(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, req)
	}
	return &analysis.Result{}, nil
}

// NewMockAnalyzer returns a MockAnalyzer that echoes the requested water
// level and reports a fixed discharge.
func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{
		RunFunc: func(_ context.Context, req analysis.Request) (*analysis.Result, error) {
			h := 0.85
			if req.WaterLevel != nil {
				h = *req.WaterLevel
			}
			q05, q50, q95 := 1.1, 1.6, 2.3
			return &analysis.Result{H: &h, Q05: &q05, Q50: &q50, Q95: &q95}, nil
		},
	}
}

// NewFailingAnalyzer returns a MockAnalyzer that always returns the given error.
func NewFailingAnalyzer(err error) *MockAnalyzer {
	return &MockAnalyzer{
		RunFunc: func(_ context.Context, _ analysis.Request) (*analysis.Result, error) {
			return nil, err
		},
	}
}

// NewBlockingAnalyzer returns a MockAnalyzer that blocks until release is
// closed or the context is cancelled.
func NewBlockingAnalyzer(release <-chan struct{}) *MockAnalyzer {
	return &MockAnalyzer{
		RunFunc: func(ctx context.Context, _ analysis.Request) (*analysis.Result, error) {
			select {
			case <-release:
				h := 1.0
				return &analysis.Result{H: &h}, nil
			case <-ctx.Done():
				return nil, analysis.ErrTimeout
			}
		},
	}
}

// Compile-time check that MockAnalyzer implements Analyzer.
var _ analysis.Analyzer = (*MockAnalyzer)(nil)
