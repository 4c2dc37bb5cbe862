/*
Package postback turns partner callbacks into canonical ledger events.

PURPOSE:
  Every offer wall sends a GET with its own parameter names, status codes
  and signing scheme, and expects its own acknowledgement body. An Adapter
  hides those differences: Parse produces a ledger.RewardEvent, Ack and
  Reject produce the response the partner expects.

FLOW:
  GET /postback/{partner}?...
    → Registry.Get(partner)
    → Adapter.Parse(query)       signature first, then fields
    → Engine.CreditNew / ChargebackNew
    → Adapter.Ack(outcome) or Adapter.Reject(err)

MAPPING ADAPTER:
  Most partners fit one configurable adapter (Mapping). Built-in presets
  live in partners.go; custom partners are loaded from JSON by
  factory.ParsePartners.

SEE ALSO:
  - signature.go: canonical string and digest verification
  - api/handlers.go: HTTP endpoint
*/
package postback

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/reward-ledger/ledger"
)

// =============================================================================
// ADAPTER
// =============================================================================

// Ack is the HTTP response returned to a partner.
type Ack struct {
	Status      int
	ContentType string
	Body        []byte
}

// Adapter converts one partner's callbacks.
type Adapter interface {
	Name() string
	Parse(q url.Values) (ledger.RewardEvent, error)
	Ack(outcome ledger.Outcome) Ack
	Reject(err error) Ack
}

// HTTPStatus maps a ledger error to the status partners see. 5xx means
// "retry later"; every 4xx is terminal.
func HTTPStatus(err error) int {
	switch ledger.Category(err) {
	case ledger.CategoryValidation:
		return http.StatusBadRequest
	case ledger.CategorySignature:
		return http.StatusForbidden
	case ledger.CategoryNotFound:
		return http.StatusNotFound
	case ledger.CategoryInvalidState, ledger.CategoryDuplicate:
		return http.StatusConflict
	case ledger.CategoryStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// MAPPING CONFIG
// =============================================================================

// Fields names the query parameters a partner uses.
type Fields struct {
	UserID        string `json:"userId"`
	TransactionID string `json:"transactionId"`
	Amount        string `json:"amount"`
	Payout        string `json:"payout,omitempty"`
	OfferID       string `json:"offerId,omitempty"`
	OfferName     string `json:"offerName,omitempty"`
	OfferWallName string `json:"offerWallName,omitempty"`
	Country       string `json:"country,omitempty"`
	IP            string `json:"ip,omitempty"`
	OccurredAt    string `json:"occurredAt,omitempty"`
	Status        string `json:"status,omitempty"`
	UserAvatar    string `json:"userAvatar,omitempty"`
}

// DefaultFields uses the canonical names.
func DefaultFields() Fields {
	return Fields{
		UserID:        "userId",
		TransactionID: "transactionId",
		Amount:        "amount",
		Payout:        "payout",
		OfferID:       "offerId",
		OfferName:     "offerName",
		OfferWallName: "offerWallName",
		Country:       "country",
		IP:            "ip",
		OccurredAt:    "occurredAt",
		Status:        "status",
		UserAvatar:    "userAvatar",
	}
}

// Config describes a Mapping adapter.
type Config struct {
	Name           string    `json:"name"`
	Fields         Fields    `json:"fields"`
	CreditStatus   []string  `json:"creditStatus,omitempty"`
	ReversalStatus []string  `json:"reversalStatus,omitempty"`
	Signature      Signature `json:"signature"`
	AckBody        string    `json:"ackBody"`
	AckContentType string    `json:"ackContentType,omitempty"`
}

// =============================================================================
// MAPPING ADAPTER
// =============================================================================

// Mapping is a configurable Adapter.
type Mapping struct {
	cfg      Config
	credit   map[string]bool
	reversal map[string]bool
	now      func() time.Time
}

var _ Adapter = (*Mapping)(nil)

// New validates cfg and builds the adapter. A missing secret is an error:
// unsigned postbacks are never accepted.
func New(cfg Config) (*Mapping, error) {
	cfg.Name = strings.ToLower(strings.TrimSpace(cfg.Name))
	if cfg.Name == "" {
		return nil, errors.New("postback adapter name is required")
	}
	cfg.Signature = cfg.Signature.withDefaults()
	if err := cfg.Signature.validate(); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", cfg.Name, err)
	}
	if cfg.Fields.UserID == "" || cfg.Fields.TransactionID == "" || cfg.Fields.Amount == "" {
		return nil, fmt.Errorf("adapter %s: userId, transactionId and amount fields are required", cfg.Name)
	}
	if cfg.AckBody == "" {
		cfg.AckBody = "1"
	}
	if cfg.AckContentType == "" {
		cfg.AckContentType = "text/plain; charset=utf-8"
	}

	m := &Mapping{
		cfg:      cfg,
		credit:   toSet(cfg.CreditStatus),
		reversal: toSet(cfg.ReversalStatus),
		now:      time.Now,
	}
	return m, nil
}

// WithClock replaces the receive-time clock used when a partner has no
// occurrence time field.
func (m *Mapping) WithClock(now func() time.Time) *Mapping {
	m.now = now
	return m
}

func (m *Mapping) Name() string { return m.cfg.Name }

// Signature exposes the signing scheme so tests and tools can sign URLs.
func (m *Mapping) Signature() Signature { return m.cfg.Signature }

// Parse verifies the signature and maps parameters to a RewardEvent. A field
// the partner config maps must be present; a field it leaves unmapped takes
// its default (zero payout, receive time, empty text).
func (m *Mapping) Parse(q url.Values) (ledger.RewardEvent, error) {
	if err := m.cfg.Signature.Verify(q); err != nil {
		return ledger.RewardEvent{}, err
	}

	f := m.cfg.Fields
	get := func(name string) string {
		if name == "" {
			return ""
		}
		return strings.TrimSpace(q.Get(name))
	}
	for _, name := range []string{f.Payout, f.OfferID, f.OfferName, f.Country, f.IP, f.OccurredAt} {
		if name != "" && get(name) == "" {
			return ledger.RewardEvent{}, &ledger.FieldError{Field: name, Reason: "required"}
		}
	}

	amount, err := parseCoins(get(f.Amount))
	if err != nil {
		return ledger.RewardEvent{}, &ledger.FieldError{Field: f.Amount, Reason: err.Error()}
	}

	reversal, err := m.isReversal(get(f.Status), amount)
	if err != nil {
		return ledger.RewardEvent{}, err
	}
	if reversal {
		amount = -abs(amount)
	} else {
		amount = abs(amount)
	}

	payout := decimal.Zero
	if raw := get(f.Payout); raw != "" {
		payout, err = decimal.NewFromString(raw)
		if err != nil {
			return ledger.RewardEvent{}, &ledger.FieldError{Field: f.Payout, Reason: "not a decimal"}
		}
		payout = payout.Abs()
	}

	occurred, err := m.parseTime(get(f.OccurredAt))
	if err != nil {
		return ledger.RewardEvent{}, &ledger.FieldError{Field: f.OccurredAt, Reason: err.Error()}
	}

	wall := get(f.OfferWallName)
	if wall == "" {
		wall = m.cfg.Name
	}

	ev := ledger.RewardEvent{
		UserID:        ledger.UserID(get(f.UserID)),
		TransactionID: ledger.TransactionID(get(f.TransactionID)),
		OfferWallName: wall,
		OfferName:     get(f.OfferName),
		OfferID:       get(f.OfferID),
		Amount:        amount,
		PayoutRevenue: payout,
		Country:       strings.ToUpper(get(f.Country)),
		IP:            get(f.IP),
		OccurredAt:    occurred,
		UserAvatar:    get(f.UserAvatar),
		Source:        ledger.SourcePartner,
	}
	if err := ev.Validate(); err != nil {
		return ledger.RewardEvent{}, err
	}
	return ev, nil
}

func (m *Mapping) Ack(ledger.Outcome) Ack {
	return Ack{Status: http.StatusOK, ContentType: m.cfg.AckContentType, Body: []byte(m.cfg.AckBody)}
}

func (m *Mapping) Reject(err error) Ack {
	return Ack{
		Status:      HTTPStatus(err),
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(ledger.Category(err)),
	}
}

// isReversal decides direction from the status parameter when the partner
// sends one, otherwise from the amount sign.
func (m *Mapping) isReversal(status string, amount int64) (bool, error) {
	if status == "" || (len(m.credit) == 0 && len(m.reversal) == 0) {
		return amount < 0, nil
	}
	switch {
	case m.reversal[status]:
		return true, nil
	case m.credit[status]:
		return false, nil
	}
	return false, &ledger.FieldError{Field: m.cfg.Fields.Status, Reason: fmt.Sprintf("unknown status %q", status)}
}

// parseTime accepts unix seconds or RFC3339; empty (unmapped) means "now".
func (m *Mapping) parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return m.now(), nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.New("expected unix seconds or RFC3339")
	}
	return t, nil
}

// parseCoins reads a decimal amount and rounds it to whole coins.
func parseCoins(raw string) (int64, error) {
	if raw == "" {
		return 0, errors.New("required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, errors.New("not a number")
	}
	d = d.Round(0)
	if d.Abs().Cmp(maxCoins) > 0 {
		return 0, errors.New("out of range")
	}
	return d.IntPart(), nil
}

var maxCoins = decimal.NewFromInt(ledger.MaxCoins)

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.TrimSpace(v)] = true
	}
	return set
}
