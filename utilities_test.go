package gateway

import (
	"reflect"
	"testing"
)

func TestReturnRangeInt32(t *testing.T) {
	tests := []struct {
		name        string
		nodeCount   int32
		nodeID      int32
		rangeString string
		max         int32
		expected    []int32
	}{
		{"single range", 1, 0, "0-4", 8, []int32{0, 1, 2, 3, 4}},
		{"multiple ranges", 1, 0, "0-2,5-6", 8, []int32{0, 1, 2, 5, 6}},
		{"clamped to max", 1, 0, "0-10", 4, []int32{0, 1, 2, 3}},
		{"node filtering", 2, 1, "0-5", 8, []int32{1, 3, 5}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := returnRangeInt32(test.nodeCount, test.nodeID, test.rangeString, test.max)
			if !reflect.DeepEqual(result, test.expected) {
				t.Errorf("Expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestRandomHex(t *testing.T) {
	value := randomHex(8)
	if len(value) != 16 {
		t.Errorf("Expected 16 hex characters, got %d", len(value))
	}

	if randomHex(0) != "" {
		t.Error("Expected empty string for zero length")
	}

	if randomHex(8) == value {
		t.Error("Expected distinct values across calls")
	}
}
