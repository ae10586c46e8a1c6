package optimizer

import (
	"fmt"
)

// Common helper functions for optimizer state management

// extractBufferState copies a moment buffer into a state tensor
func extractBufferState(buffer []float64, name string, stateType string) StateTensor {
	return StateTensor{
		Name:      name,
		Shape:     []int{len(buffer)},
		Data:      append([]float64(nil), buffer...),
		StateType: stateType,
	}
}

// restoreBufferState copies a state tensor back into a moment buffer
func restoreBufferState(buffer []float64, data []float64, name string) error {
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	}
	return defaultValue
}
