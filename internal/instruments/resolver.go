// Package instruments resolves index constituents into broker instruments.
// The constituent list comes from the NSE index CSV (or a static list) and
// each symbol is matched to its token in the broker's scrip master.
package instruments

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"golang.org/x/text/encoding/charmap"
	"resty.dev/v3"

	"github.com/johnayoung/nifty-ohlcv-updater/internal/config"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/logger"
	"github.com/johnayoung/nifty-ohlcv-updater/internal/models"
)

const (
	symbolColumn   = "Symbol"
	equitySuffix   = "-EQ"
	browserAgent   = "Mozilla/5.0"
	defaultSegment = "NSE"

	// utf8BOM as it reads after Latin-1 decoding.
	utf8BOM = "\u00ef\u00bb\u00bf"
)

// ErrNoInstruments is returned when no symbol could be matched to a token.
var ErrNoInstruments = errors.New("no instruments resolved")

// ScripEntry is one record of the broker's scrip master.
type ScripEntry struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Exchange       string `json:"exch_seg"`
	InstrumentType string `json:"instrumenttype"`
}

// Resolver builds the instrument list for an update run.
type Resolver struct {
	client   *resty.Client
	cfg      config.SymbolsConfig
	exchange string
	logger   *slog.Logger
}

// NewResolver creates a resolver. exchange selects the scrip master segment.
func NewResolver(cfg config.SymbolsConfig, exchange string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if exchange == "" {
		exchange = defaultSegment
	}

	client := resty.New().
		SetLogger(logger.NewRestyLogger(log)).
		SetTimeout(cfg.Timeout)

	return &Resolver{
		client:   client,
		cfg:      cfg,
		exchange: exchange,
		logger:   log,
	}
}

// Close releases idle connections.
func (r *Resolver) Close() error {
	return r.client.Close()
}

// Resolve returns the instruments to update, in constituent list order.
func (r *Resolver) Resolve(ctx context.Context) ([]models.Instrument, error) {
	symbols, err := r.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("%w: symbol list is empty", ErrNoInstruments)
	}

	master, err := r.ScripMaster(ctx)
	if err != nil {
		return nil, err
	}

	instruments, missing := Match(symbols, master, r.exchange)
	if len(missing) > 0 {
		r.logger.Warn("symbols without a broker token", "count", len(missing), "symbols", missing)
	}
	if len(instruments) == 0 {
		return nil, fmt.Errorf("%w: none of %d symbols found in %s scrip master", ErrNoInstruments, len(symbols), r.exchange)
	}

	r.logger.Info("resolved instruments", "requested", len(symbols), "resolved", len(instruments))
	return instruments, nil
}

// Symbols returns the configured static list, or downloads the index CSV.
func (r *Resolver) Symbols(ctx context.Context) ([]string, error) {
	if len(r.cfg.Static) > 0 {
		r.logger.Info("using static symbol list", "count", len(r.cfg.Static))
		return normalizeSymbols(r.cfg.Static), nil
	}

	r.logger.Info("fetching index constituents", "url", r.cfg.ListURL)

	body, err := r.get(ctx, r.cfg.ListURL, map[string]string{"User-Agent": browserAgent})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch symbol list: %w", err)
	}

	symbols, err := ParseSymbolCSV(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	r.logger.Info("fetched index constituents", "count", len(symbols))
	return symbols, nil
}

// ScripMaster downloads and decodes the broker's instrument list.
func (r *Resolver) ScripMaster(ctx context.Context) ([]ScripEntry, error) {
	r.logger.Info("fetching scrip master", "url", r.cfg.InstrumentMasterURL)

	body, err := r.get(ctx, r.cfg.InstrumentMasterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scrip master: %w", err)
	}

	var entries []ScripEntry
	if err := sonic.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode scrip master: %w", err)
	}

	r.logger.Info("fetched scrip master", "entries", len(entries))
	return entries, nil
}

func (r *Resolver) get(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeaders(headers).
		Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected status %s", resp.Status())
	}
	return resp.Bytes(), nil
}

// ParseSymbolCSV reads the Symbol column of an index constituent CSV. The
// file is Latin-1 encoded.
func ParseSymbolCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(charmap.ISO8859_1.NewDecoder().Reader(r))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbol list header: %w", err)
	}

	col := -1
	for i, name := range header {
		if strings.TrimSpace(strings.TrimPrefix(name, utf8BOM)) == symbolColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("symbol list has no %q column (columns: %v)", symbolColumn, header)
	}

	var symbols []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read symbol list: %w", err)
		}
		if col < len(record) {
			symbols = append(symbols, record[col])
		}
	}

	return normalizeSymbols(symbols), nil
}

// Match pairs symbols with their scrip master tokens on the given segment.
// When a name has several listings the equity series is preferred. Symbols
// with no listing are returned in missing.
func Match(symbols []string, master []ScripEntry, exchange string) (matched []models.Instrument, missing []string) {
	byName := make(map[string]ScripEntry)
	for _, e := range master {
		if e.Exchange != exchange || e.Name == "" || e.Token == "" {
			continue
		}
		name := strings.ToUpper(strings.TrimSpace(e.Name))
		current, seen := byName[name]
		if !seen || (!strings.HasSuffix(current.Symbol, equitySuffix) && strings.HasSuffix(e.Symbol, equitySuffix)) {
			byName[name] = e
		}
	}

	for _, sym := range symbols {
		e, ok := byName[sym]
		if !ok {
			missing = append(missing, sym)
			continue
		}
		matched = append(matched, models.Instrument{
			Symbol:        sym,
			Token:         strings.TrimSpace(e.Token),
			TradingSymbol: e.Symbol,
			Exchange:      e.Exchange,
		})
	}

	return matched, missing
}

// normalizeSymbols trims, upper-cases and de-duplicates, keeping first occurrence order.
func normalizeSymbols(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
