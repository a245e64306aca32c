package geodata

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CountryInfo is the subset of a geonames countryInfo.txt row the importer uses.
type CountryInfo struct {
	ISO       string
	Name      string
	Capital   string
	Continent string
	GeoID     int64
}

// LoadCountryInfo reads a geonames countryInfo.txt file.
func LoadCountryInfo(path string) ([]CountryInfo, error) {
	fi, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer fi.Close()
	return ParseCountryInfo(fi)
}

// ParseCountryInfo parses countryInfo rows, skipping comments and short lines.
func ParseCountryInfo(r io.Reader) ([]CountryInfo, error) {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanLines)

	var out []CountryInfo
	for scanner.Scan() {
		t := scanner.Text()
		if len(t) == 0 || t[0] == '#' {
			continue
		}
		fields := strings.SplitN(t, "\t", 19)
		if len(fields) != 19 || fields[0] == "" {
			continue
		}
		gid, _ := strconv.ParseInt(fields[16], 10, 64)
		out = append(out, CountryInfo{
			ISO:       strings.ToUpper(fields[0]),
			Name:      fields[4],
			Capital:   fields[5],
			Continent: fields[8],
			GeoID:     gid,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning country info: %w", err)
	}
	return out, nil
}
