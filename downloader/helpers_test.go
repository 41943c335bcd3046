package downloader

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func ctx(t *testing.T) context.Context {
	t.Helper()
	return context.Background()
}

func nowForTest() time.Time { return time.Now() }

func jsonMarshal(v any) ([]byte, error) { return json.Marshal(v) }
