package processor

import (
	"bytes"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// storedDimensions reads width and height for formats that are kept as
// uploaded. SVG without a usable size reports 0x0.
func storedDimensions(format string, buf []byte) (width, height int, err error) {
	switch format {
	case ICO:
		return icoSize(buf)
	case AVIF:
		return avifSize(buf)
	case SVG:
		return svgSize(buf)
	}
	return 0, 0, fmt.Errorf("no header reader for %s", format)
}

// icoSize returns the largest entry of the icon directory. A stored 0 means
// 256 pixels.
func icoSize(buf []byte) (int, int, error) {
	if len(buf) < 6 || binary.LittleEndian.Uint16(buf[0:2]) != 0 {
		return 0, 0, errors.New("truncated ico header")
	}
	count := int(binary.LittleEndian.Uint16(buf[4:6]))
	if count == 0 || len(buf) < 6+16*count {
		return 0, 0, fmt.Errorf("ico directory with %d entries does not fit", count)
	}

	var width, height int
	for i := 0; i < count; i++ {
		entry := buf[6+16*i:]
		w, h := int(entry[0]), int(entry[1])
		if w == 0 {
			w = 256
		}
		if h == 0 {
			h = 256
		}
		if w*h > width*height {
			width, height = w, h
		}
	}
	return width, height, nil
}

// avifSize reads the first image spatial extents ("ispe") property.
func avifSize(buf []byte) (int, int, error) {
	i := bytes.Index(buf, []byte("ispe"))
	if i < 4 || len(buf) < i+16 {
		return 0, 0, errors.New("avif without ispe property")
	}
	w := binary.BigEndian.Uint32(buf[i+8 : i+12])
	h := binary.BigEndian.Uint32(buf[i+12 : i+16])
	if w == 0 || h == 0 || w > math.MaxInt32 || h > math.MaxInt32 {
		return 0, 0, fmt.Errorf("invalid avif dimensions %dx%d", w, h)
	}
	return int(w), int(h), nil
}

// svgSize takes width/height from the root element, falling back to the
// viewBox. Relative units such as "100%" are ignored.
func svgSize(buf []byte) (int, int, error) {
	dec := xml.NewDecoder(bytes.NewReader(buf))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return 0, 0, fmt.Errorf("svg root element: %w", err)
		}
		el, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if el.Name.Local != "svg" {
			return 0, 0, fmt.Errorf("root element is <%s>, not <svg>", el.Name.Local)
		}

		var w, h float64
		var viewBox string
		for _, a := range el.Attr {
			switch a.Name.Local {
			case "width":
				w = svgLength(a.Value)
			case "height":
				h = svgLength(a.Value)
			case "viewBox":
				viewBox = a.Value
			}
		}
		if (w <= 0 || h <= 0) && viewBox != "" {
			f := strings.FieldsFunc(viewBox, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' || r == '\n' })
			if len(f) == 4 {
				w, h = svgLength(f[2]), svgLength(f[3])
			}
		}
		if w <= 0 || h <= 0 {
			return 0, 0, nil
		}
		return int(math.Round(w)), int(math.Round(h)), nil
	}
}

func svgLength(s string) float64 {
	s = strings.TrimSuffix(strings.TrimSpace(s), "px")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > math.MaxInt32 {
		return 0
	}
	return v
}
