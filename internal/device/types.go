package device

import "time"

// EntityType classifies an entity. It always equals the entity ID's domain.
type EntityType string

// Entity types.
const (
	EntityTypeLight         EntityType = "light"
	EntityTypeSwitch        EntityType = "switch"
	EntityTypeSensor        EntityType = "sensor"
	EntityTypeBinarySensor  EntityType = "binary_sensor"
	EntityTypeScene         EntityType = "scene"
	EntityTypeSpeaker       EntityType = "speaker"
	EntityTypeButton        EntityType = "button"
	EntityTypeDeviceTracker EntityType = "device_tracker"
	EntityTypeInputNumber   EntityType = "input_number"
	EntityTypeUnknown       EntityType = "unknown"
)

// AllEntityTypes returns every recognised entity type.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityTypeLight,
		EntityTypeSwitch,
		EntityTypeSensor,
		EntityTypeBinarySensor,
		EntityTypeScene,
		EntityTypeSpeaker,
		EntityTypeButton,
		EntityTypeDeviceTracker,
		EntityTypeInputNumber,
		EntityTypeUnknown,
	}
}

// Device is a physical or logical unit exposed by one integration.
type Device struct {
	ID          string         `json:"id"`
	Integration string         `json:"integration"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Metadata    map[string]any `json:"metadata"`
	Enabled     bool           `json:"enabled"`
	Available   bool           `json:"available"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Metadata = deepCopyMap(d.Metadata)
	return &cpy
}

// Entity is one addressable capability of a device.
type Entity struct {
	EntityID    string     `json:"entity_id"`
	ExternalID  string     `json:"external_id"`
	DeviceID    string     `json:"device_id,omitempty"`
	Integration string     `json:"integration"`
	Type        EntityType `json:"type"`
	Name        string     `json:"name"`
	Enabled     bool       `json:"enabled"`
	Available   bool       `json:"available"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// DiscoverySummary reports what ApplyDiscovery changed.
type DiscoverySummary struct {
	Devices     int `json:"devices"`
	Entities    int `json:"entities"`
	Unavailable int `json:"unavailable"`
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}
