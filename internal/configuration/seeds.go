package configuration

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gossipmesh/internal/identity"
)

// LoadSeeds reads the static seed address file: one `<host>,<port>` record
// per line, no header. The returned order is the file order, which is the
// canonical seed ordering for tie-breaks.
func LoadSeeds(path string) ([]identity.NodeID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed config: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse seed config %s: %w", path, err)
	}

	var seeds []identity.NodeID
	for _, row := range records {
		if len(row) < 2 {
			continue
		}
		host := strings.TrimSpace(row[0])
		port, err := strconv.Atoi(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("seed config %s: bad port %q", path, row[1])
		}
		seeds = append(seeds, identity.New(host, port))
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("seed config %s: no seed records", path)
	}
	return seeds, nil
}
