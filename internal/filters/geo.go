package filters

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const earthRadiusM = 6371000.0

// geoBoxNode matches points inside a latitude/longitude bounding box.
type geoBoxNode struct {
	path                     path
	top, left, bottom, right float64
}

func (n *geoBoxNode) matches(doc *Document) bool {
	v, ok := n.path.lookup(doc.Source)
	if !ok {
		return false
	}
	lat, lon, ok := geoPoint(v)
	if !ok {
		return false
	}
	return lat <= n.top && lat >= n.bottom && lon >= n.left && lon <= n.right
}

func (n *geoBoxNode) canon(b *strings.Builder) {
	b.WriteString("geobox:")
	b.WriteString(n.path.String())
	b.WriteByte(':')
	for i, f := range []float64{n.top, n.left, n.bottom, n.right} {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
}

// geoDistanceNode matches points within a radius (meters) of a center.
type geoDistanceNode struct {
	path     path
	lat, lon float64
	meters   float64
}

func (n *geoDistanceNode) matches(doc *Document) bool {
	v, ok := n.path.lookup(doc.Source)
	if !ok {
		return false
	}
	lat, lon, ok := geoPoint(v)
	if !ok {
		return false
	}
	return haversineM(n.lat, n.lon, lat, lon) <= n.meters
}

func (n *geoDistanceNode) canon(b *strings.Builder) {
	b.WriteString("geodist:")
	b.WriteString(n.path.String())
	b.WriteByte(':')
	b.WriteString(strconv.FormatFloat(n.lat, 'g', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(n.lon, 'g', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(n.meters, 'g', -1, 64))
}

// geoPoint extracts a lat/lon pair from the shapes documents commonly use:
// {"lat": .., "lon": ..} (lng accepted), [lat, lon], or "lat,lon".
func geoPoint(v any) (lat, lon float64, ok bool) {
	switch t := v.(type) {
	case map[string]any:
		latV, okLat := t["lat"].(float64)
		lonV, okLon := t["lon"].(float64)
		if !okLon {
			lonV, okLon = t["lng"].(float64)
		}
		if okLat && okLon {
			return latV, lonV, true
		}
	case []any:
		if len(t) == 2 {
			latV, okLat := t[0].(float64)
			lonV, okLon := t[1].(float64)
			if okLat && okLon {
				return latV, lonV, true
			}
		}
	case string:
		parts := strings.Split(t, ",")
		if len(parts) == 2 {
			latV, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
			lonV, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
			if err1 == nil && err2 == nil {
				return latV, lonV, true
			}
		}
	}
	return 0, 0, false
}

func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(a))
}

// parseDistance accepts a number (meters) or a string with an m/km/mi unit
// suffix ("10km", "500 m", "2mi").
func parseDistance(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		if t <= 0 {
			return 0, fmt.Errorf("%w: distance must be positive", ErrInvalidFilter)
		}
		return t, nil
	case string:
		s := strings.ToLower(strings.ReplaceAll(t, " ", ""))
		unit := 1.0
		switch {
		case strings.HasSuffix(s, "km"):
			unit = 1000
			s = strings.TrimSuffix(s, "km")
		case strings.HasSuffix(s, "mi"):
			unit = 1609.344
			s = strings.TrimSuffix(s, "mi")
		case strings.HasSuffix(s, "m"):
			s = strings.TrimSuffix(s, "m")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f <= 0 {
			return 0, fmt.Errorf("%w: bad distance %q", ErrInvalidFilter, t)
		}
		return f * unit, nil
	default:
		return 0, fmt.Errorf("%w: distance must be a number or string", ErrInvalidFilter)
	}
}
