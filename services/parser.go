package services

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"dhtlogger/models"
)

// ErrPayloadTooLarge is returned for payloads over the configured limit.
// Oversized payloads are rejected whole, never truncated.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum message size")

// ParseError describes a malformed device payload.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.Field, e.Reason)
}

const (
	fieldID          = "ID"
	fieldTemperature = "Temperature"
	fieldHumidity    = "Humidity"
)

var wireFields = []string{fieldID, fieldTemperature, fieldHumidity}

// WireParser decodes the device text protocol:
//
//	ID:<device_id> Temperature:<float>C Humidity:<float>%
//
// Fields may come in any order, surrounded by unrelated text. A marker's value
// is either glued to it or carried by the following token.
type WireParser struct {
	maxBytes int
}

func NewWireParser(maxBytes int) *WireParser {
	return &WireParser{maxBytes: maxBytes}
}

// Parse extracts a reading from one payload.
func (p *WireParser) Parse(payload []byte) (*models.Reading, error) {
	if p.maxBytes > 0 && len(payload) > p.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), p.maxBytes)
	}
	if !utf8.Valid(payload) {
		return nil, &ParseError{Field: "payload", Reason: "invalid UTF-8"}
	}

	raw, err := tokenize(strings.Fields(string(payload)))
	if err != nil {
		return nil, err
	}

	deviceID := trimSeparators(raw[fieldID])
	if deviceID == "" {
		return nil, &ParseError{Field: fieldID, Reason: "empty device id"}
	}

	temperature, err := parseNumber(fieldTemperature, raw[fieldTemperature], "°C", "C")
	if err != nil {
		return nil, err
	}
	humidity, err := parseNumber(fieldHumidity, raw[fieldHumidity], "%")
	if err != nil {
		return nil, err
	}

	return &models.Reading{
		DeviceID:    deviceID,
		Temperature: temperature,
		Humidity:    humidity,
	}, nil
}

func tokenize(tokens []string) (map[string]string, error) {
	raw := make(map[string]string, len(wireFields))
	for i := 0; i < len(tokens); i++ {
		field, value, ok := matchMarker(tokens[i])
		if !ok {
			continue
		}
		if value == "" && i+1 < len(tokens) {
			if _, _, next := matchMarker(tokens[i+1]); !next {
				value = tokens[i+1]
				i++
			}
		}
		if _, dup := raw[field]; dup {
			return nil, &ParseError{Field: field, Reason: "duplicate marker"}
		}
		raw[field] = value
	}
	for _, field := range wireFields {
		if _, ok := raw[field]; !ok {
			return nil, &ParseError{Field: field, Reason: "missing marker"}
		}
	}
	return raw, nil
}

func matchMarker(token string) (field, value string, ok bool) {
	for _, f := range wireFields {
		if strings.HasPrefix(token, f+":") {
			return f, token[len(f)+1:], true
		}
	}
	return "", "", false
}

func parseNumber(field, raw string, units ...string) (float64, error) {
	value := trimSeparators(raw)
	for _, unit := range units {
		if strings.HasSuffix(value, unit) {
			value = strings.TrimSuffix(value, unit)
			break
		}
	}
	if value == "" {
		return 0, &ParseError{Field: field, Reason: "missing value"}
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &ParseError{Field: field, Reason: fmt.Sprintf("not a number: %q", value)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ParseError{Field: field, Reason: "value is not finite"}
	}
	return f, nil
}

func trimSeparators(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ",;")
}
