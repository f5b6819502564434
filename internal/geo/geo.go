// Package geo resolves postal codes to coordinates and measures the
// great-circle distance between them.
//
// The reference table is loaded once and is read-only afterwards, so an
// *Index is safe for concurrent use without locking.
package geo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

var (
	// ErrUnknownPostalCode is returned when a postal code is not in the index.
	ErrUnknownPostalCode = errors.New("unknown postal code")

	// ErrMalformedReferenceData is returned when a reference row cannot be parsed.
	ErrMalformedReferenceData = errors.New("malformed reference data")
)

const (
	referenceFields = 5

	// One degree of arc is 60 nautical miles; 1.1515 converts to statute miles.
	statuteMilesPerDegree = 60 * 1.1515
	kmPerStatuteMile      = 1.609344
)

// Record is one row of the reference table.
type Record struct {
	PostalCode int     `json:"postalCode"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	City       string  `json:"city"`
	State      string  `json:"state"`
}

// Index maps postal codes to their reference records.
type Index struct {
	records map[int]Record
}

// LoadFile loads the reference table at path.
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied reference table
	if err != nil {
		return nil, fmt.Errorf("open reference table: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Load(f)
}

// Load parses comma-delimited rows of postal_code,latitude,longitude,city,state.
// There is no header row. A later row for the same postal code replaces an
// earlier one.
func Load(r io.Reader) (*Index, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = referenceFields
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	idx := &Index{records: make(map[int]Record)}
	for {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedReferenceData, pe.Line, pe.Err)
			}
			return nil, fmt.Errorf("read reference table: %w", err)
		}

		line, _ := cr.FieldPos(0)
		rec, err := parseRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedReferenceData, line, err)
		}
		idx.records[rec.PostalCode] = rec
	}
	return idx, nil
}

func parseRecord(fields []string) (Record, error) {
	code, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return Record{}, fmt.Errorf("postal code %q is not an integer", fields[0])
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return Record{}, fmt.Errorf("latitude %q is not a valid coordinate", fields[1])
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return Record{}, fmt.Errorf("longitude %q is not a valid coordinate", fields[2])
	}
	return Record{
		PostalCode: code,
		Latitude:   lat,
		Longitude:  lon,
		City:       strings.TrimSpace(fields[3]),
		State:      strings.TrimSpace(fields[4]),
	}, nil
}

// Len returns the number of postal codes in the index.
func (idx *Index) Len() int {
	return len(idx.records)
}

// Lookup returns the reference record for a postal code.
func (idx *Index) Lookup(code int) (Record, error) {
	rec, ok := idx.records[code]
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownPostalCode, code)
	}
	return rec, nil
}

// Distance returns the distance in kilometers between two postal codes.
func (idx *Index) Distance(a, b int) (float64, error) {
	ra, err := idx.Lookup(a)
	if err != nil {
		return 0, err
	}
	rb, err := idx.Lookup(b)
	if err != nil {
		return 0, err
	}
	return DistanceKm(ra.Latitude, ra.Longitude, rb.Latitude, rb.Longitude), nil
}

// DistanceKm applies the spherical law of cosines to two coordinates given
// in degrees.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	cosArc := math.Sin(phi1)*math.Sin(phi2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Cos(radians(lon1-lon2))

	// Rounding can push nearly-identical points just past 1.
	cosArc = math.Max(-1, math.Min(1, cosArc))

	arc := degrees(math.Acos(cosArc))
	return arc * statuteMilesPerDegree * kmPerStatuteMile
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }
