package extractor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/pbaille/popdismiss/internal/domain"
)

// ErrMalformedHierarchy wraps every hierarchy parsing failure
var ErrMalformedHierarchy = errors.New("malformed ui hierarchy")

// ParseHierarchy returns the bounds of every clickable node of a uiautomator
// dump, in document order.
func ParseHierarchy(data []byte) ([]domain.Bounds, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedHierarchy)
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		out   []domain.Bounds
		nodes int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHierarchy, err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		nodes++

		var clickable, raw string
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "clickable":
				clickable = attr.Value
			case "bounds":
				raw = attr.Value
			}
		}
		if clickable != "true" || raw == "" {
			continue
		}

		b, err := domain.ParseBounds(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHierarchy, err)
		}
		out = append(out, b)
	}

	if nodes == 0 {
		return nil, fmt.Errorf("%w: no elements", ErrMalformedHierarchy)
	}
	return out, nil
}
