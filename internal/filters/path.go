package filters

import (
	"fmt"
	"strconv"
	"strings"
)

// path addresses a nested document field with dotted keys and bracketed
// array indices, e.g. "relations.items[0].name".
type path struct {
	raw  string
	segs []pathSeg
}

type pathSeg struct {
	key string
	// idx is an array index when key is empty.
	idx int
}

func parsePath(raw string) (path, error) {
	if strings.TrimSpace(raw) == "" {
		return path{}, fmt.Errorf("%w: empty field path", ErrInvalidFilter)
	}
	var segs []pathSeg
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return path{}, fmt.Errorf("%w: malformed path %q", ErrInvalidFilter, raw)
		}
		rest := part
		for {
			open := strings.IndexByte(rest, '[')
			if open < 0 {
				if strings.ContainsAny(rest, "]") {
					return path{}, fmt.Errorf("%w: malformed path %q", ErrInvalidFilter, raw)
				}
				if rest != "" {
					segs = append(segs, pathSeg{key: rest})
				}
				break
			}
			if open > 0 {
				segs = append(segs, pathSeg{key: rest[:open]})
			} else if len(segs) == 0 {
				return path{}, fmt.Errorf("%w: malformed path %q", ErrInvalidFilter, raw)
			}
			closing := strings.IndexByte(rest[open:], ']')
			if closing < 0 {
				return path{}, fmt.Errorf("%w: malformed path %q", ErrInvalidFilter, raw)
			}
			idxStr := rest[open+1 : open+closing]
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 {
				return path{}, fmt.Errorf("%w: bad array index in path %q", ErrInvalidFilter, raw)
			}
			segs = append(segs, pathSeg{idx: idx})
			rest = rest[open+closing+1:]
			if rest == "" {
				break
			}
			if rest[0] != '[' {
				return path{}, fmt.Errorf("%w: malformed path %q", ErrInvalidFilter, raw)
			}
		}
	}
	if len(segs) == 0 {
		return path{}, fmt.Errorf("%w: malformed path %q", ErrInvalidFilter, raw)
	}
	return path{raw: raw, segs: segs}, nil
}

// String returns a canonical rendering of the path.
func (p path) String() string {
	var b strings.Builder
	for i, s := range p.segs {
		if s.key != "" {
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(s.key)
		} else {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(s.idx))
			b.WriteByte(']')
		}
	}
	return b.String()
}

// lookup walks the document body. The second return is false when any
// segment is absent or of the wrong shape.
func (p path) lookup(root map[string]any) (any, bool) {
	var cur any = root
	for _, s := range p.segs {
		if s.key != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[s.key]
			if !ok {
				return nil, false
			}
			continue
		}
		arr, ok := cur.([]any)
		if !ok || s.idx >= len(arr) {
			return nil, false
		}
		cur = arr[s.idx]
	}
	return cur, true
}
