package tools

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smithrun/smith/internal/registry"
)

const (
	defaultQuoteURL   = "https://stooq.com/q/l/"
	defaultHistoryURL = "https://stooq.com/q/d/l/"
)

// Finance fetches stock quotes and daily history from Stooq's CSV
// endpoints.
type Finance struct {
	Client     *http.Client
	QuoteURL   string
	HistoryURL string
}

func NewFinance(client *http.Client) *Finance {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Finance{
		Client:     client,
		QuoteURL:   defaultQuoteURL,
		HistoryURL: defaultHistoryURL,
	}
}

func (f *Finance) Tool() registry.Tool {
	return registry.Tool{
		Descriptor: registry.Descriptor{
			Name:        "finance_fetcher",
			Domain:      "data",
			Description: "Get stock data. Use operation='price' for current value.",
			Functions: []registry.FunctionSpec{{
				Name: "run_finance_tool",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"operation": map[string]any{
							"type": "string",
							"enum": []any{"price", "history"},
						},
						"symbol": map[string]any{"type": "string"},
						"period": map[string]any{"type": "string", "default": "1mo"},
					},
					"required": []any{"symbol"},
				},
			}},
			CostWeight: 1,
		},
		Handler: f.handle,
	}
}

func (f *Finance) handle(ctx context.Context, function string, args map[string]any) (any, error) {
	if function != "run_finance_tool" {
		return nil, fmt.Errorf("unknown function: %s", function)
	}
	operation, _ := args["operation"].(string)
	symbol, _ := args["symbol"].(string)
	period, _ := args["period"].(string)

	// Planners sometimes put the symbol in the operation slot.
	if operation != "price" && operation != "history" && symbol == "" {
		symbol = operation
		operation = "price"
	}
	if operation == "" {
		operation = "price"
	}
	if symbol == "" {
		return map[string]any{"status": "error", "error": "Symbol required."}, nil
	}

	switch operation {
	case "price":
		return f.price(ctx, symbol)
	case "history":
		return f.history(ctx, symbol, period)
	default:
		return map[string]any{"status": "error", "error": fmt.Sprintf("Unknown operation: %s", operation)}, nil
	}
}

// stooqSymbol appends the .us suffix Stooq expects for bare US
// tickers.
func stooqSymbol(symbol string) string {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if !strings.Contains(s, ".") {
		s += ".us"
	}
	return s
}

func (f *Finance) price(ctx context.Context, symbol string) (map[string]any, error) {
	q := url.Values{}
	q.Set("s", stooqSymbol(symbol))
	q.Set("f", "sd2t2ohlcv")
	q.Set("h", "")
	q.Set("e", "csv")

	rows, err := f.fetchCSV(ctx, f.QuoteURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// Header row plus one quote row: Symbol,Date,Time,Open,High,Low,Close,Volume.
	if len(rows) < 2 || len(rows[1]) < 7 {
		return map[string]any{"status": "error", "error": "no data"}, nil
	}
	closePrice, err := strconv.ParseFloat(rows[1][6], 64)
	if err != nil {
		return map[string]any{"status": "error", "error": "no data"}, nil
	}
	return map[string]any{
		"status":   "success",
		"symbol":   strings.ToUpper(symbol),
		"price":    round2(closePrice),
		"currency": "USD",
	}, nil
}

func (f *Finance) history(ctx context.Context, symbol, period string) (map[string]any, error) {
	q := url.Values{}
	q.Set("s", stooqSymbol(symbol))
	q.Set("i", "d")

	rows, err := f.fetchCSV(ctx, f.HistoryURL+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// Date,Open,High,Low,Close,Volume per row after the header.
	if len(rows) < 2 {
		return map[string]any{"status": "error", "error": "no data"}, nil
	}
	limit := periodDays(period)
	records := make([]map[string]any, 0, limit)
	start := 1
	if extra := len(rows) - 1 - limit; extra > 0 {
		start += extra
	}
	for _, row := range rows[start:] {
		if len(row) < 5 {
			continue
		}
		closePrice, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			continue
		}
		records = append(records, map[string]any{
			"date":  row[0],
			"close": round2(closePrice),
		})
	}
	if len(records) == 0 {
		return map[string]any{"status": "error", "error": "no data"}, nil
	}
	return map[string]any{
		"status":  "success",
		"symbol":  strings.ToUpper(symbol),
		"history": records,
	}, nil
}

// periodDays maps the period shorthand to a trading-day row count.
func periodDays(period string) int {
	switch period {
	case "5d":
		return 5
	case "", "1mo":
		return 22
	case "3mo":
		return 66
	case "6mo":
		return 132
	case "1y":
		return 260
	default:
		return 22
	}
}

func (f *Finance) fetchCSV(ctx context.Context, rawURL string) ([][]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, req.URL.Host)
	}
	r := csv.NewReader(resp.Body)
	r.FieldsPerRecord = -1
	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
