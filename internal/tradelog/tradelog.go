package tradelog

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autonomous-trader/internal/types"
)

var mu sync.Mutex

// OrderEntry is one routed order as a JSONL line.
type OrderEntry struct {
	Time          string         `json:"time"`
	Symbol        string         `json:"symbol"`
	Side          string         `json:"side"`
	ClientOrderID string         `json:"client_order_id"`
	Qty           string         `json:"qty"`
	Price         string         `json:"price"`
	Status        string         `json:"status"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// DecisionEntry is one engine decision as a JSONL line.
type DecisionEntry struct {
	Time       string         `json:"time"`
	Symbol     string         `json:"symbol"`
	Action     string         `json:"action"`
	Source     string         `json:"source"`
	Reason     string         `json:"reason"`
	Confidence float64        `json:"confidence"`
	RiskScore  float64        `json:"risk_score"`
	Close      float64        `json:"close"`
	Extra      map[string]any `json:"extra,omitempty"`
}

func logDir() string {
	if v := os.Getenv("TRADER_LOG_DIR"); v != "" {
		return v
	}
	return "logs"
}

func dailyFilepath(t time.Time) string {
	return filepath.Join(logDir(), t.UTC().Format("2006-01-02")+".txt")
}

func decisionsFilepath(t time.Time) string {
	return filepath.Join(logDir(), "decisions", t.UTC().Format("2006-01-02")+".txt")
}

// AppendOrder records a routed order in the daily file.
func AppendOrder(order types.Order, extra map[string]any) error {
	e := OrderEntry{
		Symbol:        order.Symbol,
		Side:          order.Side,
		ClientOrderID: order.ClientOrderID,
		Qty:           order.Qty.String(),
		Price:         order.Price.String(),
		Status:        order.Status,
		Extra:         extra,
	}
	mu.Lock()
	defer mu.Unlock()
	now := time.Now().UTC()
	e.Time = now.Format("2006-01-02 15:04:05")
	return appendLine(dailyFilepath(now), e)
}

// AppendDecision records an engine decision in the daily decisions file.
func AppendDecision(d types.Decision, snap types.FeatureSnapshot) error {
	e := DecisionEntry{
		Symbol:     snap.Symbol,
		Action:     d.Action,
		Source:     d.Source,
		Reason:     d.Reason,
		Confidence: d.Confidence,
		RiskScore:  d.RiskScore,
		Close:      snap.Close,
	}
	mu.Lock()
	defer mu.Unlock()
	now := time.Now().UTC()
	e.Time = now.Format("2006-01-02 15:04:05")
	return appendLine(decisionsFilepath(now), e)
}

func appendLine(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, _ := json.Marshal(v)
	_, err = fmt.Fprintln(f, string(b))
	return err
}

// CompressOlder gzips daily files past the retention window.
func CompressOlder(retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return filepath.WalkDir(logDir(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(p) != ".txt" {
			return nil
		}
		info, er := os.Stat(p)
		if er != nil || !info.ModTime().Before(cutoff) {
			return nil
		}

		gz := p + ".gz"
		if _, e := os.Stat(gz); e == nil {
			return os.Remove(p)
		}
		return compressFile(p, gz)
	})
}

func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return nil
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return nil
	}
	if err := gw.Close(); err != nil {
		return nil
	}
	return os.Remove(src)
}
