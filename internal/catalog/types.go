// Package catalog reads market metadata from the Gamma API and proxies
// catalog requests for browser clients.
package catalog

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	hundred      = decimal.NewFromInt(100)
	defaultPrice = decimal.NewFromInt(50)
)

// GammaMarket is a market as returned by Gamma. outcomePrices and
// clobTokenIds arrive as JSON documents encoded inside strings.
type GammaMarket struct {
	ID            string     `json:"id"`
	ConditionID   string     `json:"conditionId"`
	Question      string     `json:"question"`
	Slug          string     `json:"slug"`
	OutcomePrices string     `json:"outcomePrices"`
	ClobTokenIDs  string     `json:"clobTokenIds"`
	Volume        flexNumber `json:"volume"`
	VolumeNum     flexNumber `json:"volumeNum"`
	Active        bool       `json:"active"`
	Closed        bool       `json:"closed"`
}

// GammaEvent groups related markets.
type GammaEvent struct {
	ID      string        `json:"id"`
	Title   string        `json:"title"`
	Slug    string        `json:"slug"`
	Markets []GammaMarket `json:"markets"`
}

// ParseMarket maps a Gamma market to the catalog view. Unparseable prices
// fall back to 50/50 and unparseable token ids to none.
func ParseMarket(gm GammaMarket) model.Market {
	yes, no := parsePrices(gm.OutcomePrices)
	return model.Market{
		ID:          gm.ID,
		ConditionID: gm.ConditionID,
		Title:       gm.Question,
		Question:    gm.Question,
		YesPrice:    yes,
		NoPrice:     no,
		TokenIDs:    parseTokenIDs(gm.ClobTokenIDs),
		Volume:      parseVolume(gm),
	}
}

// ParseEvent maps an event to the catalog view of its first market. The
// event title is used as the market title.
func ParseEvent(ev GammaEvent) model.Market {
	if len(ev.Markets) == 0 {
		return model.Market{
			ID:       ev.ID,
			Title:    ev.Title,
			Question: ev.Title,
			YesPrice: defaultPrice,
			NoPrice:  defaultPrice,
			TokenIDs: []string{},
			Volume:   decimal.Zero,
		}
	}
	m := ParseMarket(ev.Markets[0])
	if m.ID == "" {
		m.ID = ev.ID
	}
	m.Title = ev.Title
	if m.Question == "" {
		m.Question = ev.Title
	}
	return m
}

func parsePrices(raw string) (yes, no decimal.Decimal) {
	yes, no = defaultPrice, defaultPrice
	if strings.TrimSpace(raw) == "" {
		return
	}
	var prices []json.Number
	if err := json.Unmarshal([]byte(raw), &prices); err != nil || len(prices) < 2 {
		return
	}
	y, err1 := decimal.NewFromString(prices[0].String())
	n, err2 := decimal.NewFromString(prices[1].String())
	if err1 != nil || err2 != nil {
		return
	}
	return y.Mul(hundred), n.Mul(hundred)
}

func parseTokenIDs(raw string) []string {
	ids := []string{}
	if strings.TrimSpace(raw) == "" {
		return ids
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return []string{}
	}
	return ids
}

func parseVolume(gm GammaMarket) decimal.Decimal {
	for _, n := range []flexNumber{gm.VolumeNum, gm.Volume} {
		if n == "" {
			continue
		}
		if v, err := decimal.NewFromString(string(n)); err == nil {
			return v
		}
	}
	return decimal.Zero
}

// flexNumber accepts a JSON number, a numeric string, an empty string or
// null. Gamma is inconsistent about which one it sends.
type flexNumber string

func (f *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = flexNumber(strings.TrimSpace(str))
		return nil
	}
	*f = flexNumber(s)
	return nil
}
