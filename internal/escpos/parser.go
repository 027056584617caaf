// Package escpos decodes raw ESC/POS byte frames into transactions. Receipts
// in this deployment are free-form text with no machine-readable delimiter, so
// the decoder is a best-effort heuristic pipeline: it never fails, it degrades
// to an incomplete transaction.
package escpos

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"example.com/retailstack/pos-agent/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/charmap"
)

// Control lead bytes.
const (
	ESC = 0x1B
	GS  = 0x1D
	DLE = 0x10
	LF  = 0x0A
)

// knownSequences is the allow-list of two-byte printer commands we recognize.
// Anything else with a control lead byte is reported as unknown but never
// aborts parsing.
var knownSequences = map[[2]byte]struct{}{
	{ESC, '@'}: {}, // initialize
	{ESC, '!'}: {}, // print mode
	{ESC, '-'}: {}, // underline
	{ESC, 'E'}: {}, // bold
	{ESC, 'a'}: {}, // alignment
	{ESC, 'd'}: {}, // feed n lines
	{ESC, 'i'}: {}, // partial cut
	{ESC, 'J'}: {}, // feed
	{ESC, 'm'}: {},
	{GS, 'V'}:  {}, // cut paper
	{GS, '!'}:  {}, // character size
	{GS, 'H'}:  {},
	{GS, 'w'}:  {},
	{GS, 'k'}:  {}, // barcode
	{DLE, 0x04}: {}, // DLE EOT status
}

var (
	receiptIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:receipt\s*no|receipt#|receipt|rct)[\s:]*(\w+)`),
		regexp.MustCompile(`(?i)(?:invoice|inv)[\s:#]*(\w+)`),
		regexp.MustCompile(`#(\d{4,})`),
		regexp.MustCompile(`(?i)trx[_\s]*(\w+)`),
		regexp.MustCompile(`(\d{10,})`),
	}

	qtyPricePattern  = regexp.MustCompile(`(\d+)\s*[xX×]\s*([\d,]+\.?\d*)`)
	trailingPricePat = regexp.MustCompile(`(.+?)\s+([\d,]+\.?\d*)\s*$`)

	totalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:grand\s*)?total[\s:]*([\d,]+\.?\d*)`),
		regexp.MustCompile(`(?i)amount[\s:]*([\d,]+\.?\d*)`),
		regexp.MustCompile(`(?i)due[\s:]*([\d,]+\.?\d*)`),
		regexp.MustCompile(`[* ]+\s*([\d,]+\.?\d{2})`),
	}
	subtotalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)subtotal[\s:]*([\d,]+\.?\d*)`),
		regexp.MustCompile(`(?i)sub[\s-]*total[\s:]*([\d,]+\.?\d*)`),
	}
	// The run before the colon skips rate annotations like "Tax (5%):".
	taxPattern      = regexp.MustCompile(`(?i)(?:tax|vat)[^:\n]*:?\s*([\d,]+\.?\d*)`)
	currencyPattern = regexp.MustCompile(`[\d,]+\.?\d{2}`)

	voidKeywords   = []string{"void", "voided", "cancelled", "cancel"}
	refundKeywords = []string{"refund", "return", "reversed"}

	// Lines carrying these words are totals, tender or decoration, not items.
	skipWords = []string{
		"total", "subtotal", "tax", "change", "cash", "card",
		"thank", "welcome", "please", "receipt", "invoice",
		"========================", "------------------",
	}
)

const excerptLimit = 200

// SyntheticIDPrefix marks receipt ids the decoder synthesized because the
// text carried none. Downstream consumers treat these as counterless.
const SyntheticIDPrefix = "RX-"

// Parser decodes ESC/POS frames. It keeps no state across calls.
type Parser struct {
	logUnknown bool
}

// NewParser creates a decoder that logs unrecognized control sequences.
func NewParser() *Parser {
	return &Parser{logUnknown: true}
}

// NewQuietParser creates a decoder that does not log unknown sequences.
func NewQuietParser() *Parser {
	return &Parser{logUnknown: false}
}

// Parse decodes one frame into a Transaction. It never fails: frames with no
// recognizable structure yield a maximally-empty transaction flagged
// incomplete, with a synthesized receipt id. The second return value lists
// unrecognized control sequences for observability.
func (p *Parser) Parse(frame []byte) (models.Transaction, []string) {
	unknown := p.scanControlSequences(frame)

	text := decodeText(frame)

	receiptID := extractReceiptID(text)
	tx := models.Transaction{
		ReceiptID:     receiptID,
		Items:         extractItems(text),
		Subtotal:      extractSubtotal(text),
		Tax:           extractTax(text),
		Total:         extractTotal(text),
		CapturedAt:    time.Now(),
		SourceExcerpt: excerpt(text),
		Type:          detectType(text),
	}
	tx.IsIncomplete = (tx.Total == 0 && len(tx.Items) == 0) ||
		strings.HasPrefix(tx.ReceiptID, SyntheticIDPrefix)

	if len(unknown) > 0 && p.logUnknown {
		log.Debug().
			Int("count", len(unknown)).
			Strs("commands", head(unknown, 5)).
			Msg("Frame contained unknown printer commands")
	}
	return tx, unknown
}

// scanControlSequences walks the frame looking for two-byte control sequences
// and records the ones outside the allow-list.
func (p *Parser) scanControlSequences(frame []byte) []string {
	var unknown []string
	seen := make(map[string]struct{})
	for i := 0; i < len(frame); {
		b := frame[i]
		if b != ESC && b != GS && b != DLE {
			i++
			continue
		}
		if i+1 >= len(frame) {
			unknown = append(unknown, fmt.Sprintf("raw[%d]: %02X (incomplete)", i, b))
			break
		}
		key := [2]byte{b, frame[i+1]}
		if _, ok := knownSequences[key]; !ok {
			entry := fmt.Sprintf("raw[%d]: %02X %02X", i, key[0], key[1])
			if _, dup := seen[entry]; !dup {
				seen[entry] = struct{}{}
				unknown = append(unknown, entry)
			}
		}
		i += 2
	}
	return unknown
}

// decodeText turns raw bytes into text using a cascade of legacy single-byte
// encodings, ending in lossy UTF-8 so decoding itself never fails.
func decodeText(frame []byte) string {
	if out, err := charmap.Windows1252.NewDecoder().Bytes(frame); err == nil {
		return string(out)
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(frame); err == nil {
		return string(out)
	}
	return strings.ToValidUTF8(string(frame), "")
}

func extractReceiptID(text string) string {
	for _, pat := range receiptIDPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return SyntheticIDPrefix + time.Now().Format("20060102150405")
}

func extractItems(text string) []models.LineItem {
	var items []models.LineItem
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || hasSkipWord(line) {
			continue
		}

		// "qty x price" takes priority over a trailing price.
		if loc := qtyPricePattern.FindStringSubmatchIndex(line); loc != nil {
			qty, _ := strconv.Atoi(line[loc[2]:loc[3]])
			price := ParsePrice(line[loc[4]:loc[5]])
			name := strings.TrimSpace(line[:loc[0]])
			if name != "" {
				items = append(items, models.LineItem{
					Name:      name,
					Quantity:  qty,
					UnitPrice: price,
					Total:     float64(qty) * price,
				})
			}
			continue
		}

		if m := trailingPricePat.FindStringSubmatch(line); m != nil {
			name := strings.TrimSpace(m[1])
			price := ParsePrice(m[2])
			lower := strings.ToLower(name)
			if name != "" && price > 0 &&
				!strings.Contains(lower, "total") &&
				!strings.Contains(lower, "tax") &&
				!strings.Contains(lower, "sub") {
				items = append(items, models.LineItem{
					Name:      name,
					Quantity:  1,
					UnitPrice: price,
					Total:     price,
				})
			}
		}
	}
	return items
}

func hasSkipWord(line string) bool {
	lower := strings.ToLower(line)
	for _, w := range skipWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// extractTotal is biased toward the last match because totals conventionally
// appear after subtotals and line items. With no keyword match it falls back
// to the largest currency-shaped number anywhere in the text.
func extractTotal(text string) float64 {
	for _, pat := range totalPatterns {
		matches := pat.FindAllStringSubmatch(text, -1)
		if len(matches) > 0 {
			return ParsePrice(matches[len(matches)-1][1])
		}
	}
	var max float64
	for _, n := range currencyPattern.FindAllString(text, -1) {
		if v := ParsePrice(n); v > max {
			max = v
		}
	}
	return max
}

func extractSubtotal(text string) float64 {
	for _, pat := range subtotalPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			return ParsePrice(m[1])
		}
	}
	return 0
}

func extractTax(text string) float64 {
	if m := taxPattern.FindStringSubmatch(text); m != nil {
		return ParsePrice(m[1])
	}
	return 0
}

// ParsePrice parses a currency amount. Comma is always a thousands separator,
// never a decimal point. Any parse failure yields zero rather than an error.
func ParsePrice(s string) float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// detectType checks void keywords before refund keywords: a voided refund
// prints both and counts as a void.
func detectType(text string) models.TransactionType {
	lower := strings.ToLower(text)
	for _, k := range voidKeywords {
		if strings.Contains(lower, k) {
			return models.TypeVoid
		}
	}
	for _, k := range refundKeywords {
		if strings.Contains(lower, k) {
			return models.TypeRefund
		}
	}
	return models.TypeSale
}

// DetectPrinter sniffs the manufacturer from a raw frame.
func DetectPrinter(frame []byte) string {
	s := string(frame)
	switch {
	case strings.Contains(s, "ST") || strings.Contains(s, "STAR"):
		return "star"
	case strings.Contains(s, "BIX") || strings.Contains(s, "BIXOLON"):
		return "bixolon"
	case strings.Contains(s, "ESC") || strings.Contains(s, "EPSON"):
		return "epson"
	}
	return "unknown"
}

func excerpt(text string) string {
	if len(text) > excerptLimit {
		return text[:excerptLimit]
	}
	return text
}

func head(ss []string, n int) []string {
	if len(ss) > n {
		return ss[:n]
	}
	return ss
}
