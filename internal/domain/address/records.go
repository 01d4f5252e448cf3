package address

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// RecordFile is the on-disk layout of a records file:
//
//	records:
//	  - name: player_list
//	    pattern: "48 8B 05 ?? ?? ?? ?? 48 85 C0"
//	    offset: 3
type RecordFile struct {
	Records []Record `yaml:"records"`
}

// LoadRecords reads a YAML records file
func LoadRecords(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return ParseRecords(data)
}

// ParseRecords decodes YAML records
func ParseRecords(data []byte) ([]Record, error) {
	var file RecordFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse records: %w", err)
	}
	return file.Records, nil
}
