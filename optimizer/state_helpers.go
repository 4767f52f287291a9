package optimizer

// extractFloatParam safely extracts a float parameter from the state map
func extractFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
