package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Float decodes a JSON number that exchanges may send either bare or as a
// string. null and "" decode to zero.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrMalformedResponse, b)
	}
	*f = Float(v)
	return nil
}

// ID decodes an identifier sent as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	*id = ID(b)
	return nil
}

// FormatDecimal renders v with the shortest exact decimal representation,
// e.g. 0.1 → "0.1", never "0.1000000000000000055".
func FormatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// JSONDecimal renders v as a bare JSON number without float noise.
func JSONDecimal(v float64) json.Number {
	return json.Number(FormatDecimal(v))
}

// UnixTime converts an exchange timestamp to time.Time. Values above 1e12
// are taken as milliseconds, smaller ones as seconds.
func UnixTime(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9))
}
