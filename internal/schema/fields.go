package schema

import "onboardvoice/internal/model"

// ListFieldSchemas describe the accepted shape of list-valued profile fields.
// Only structure is checked; item contents are not.
var ListFieldSchemas = map[model.FieldName]map[string]interface{}{
	model.FieldServices: {
		"type": "array",
		"items": map[string]interface{}{
			"type": []interface{}{"object", "string"},
		},
	},
	model.FieldWorkingHours: {
		"type": "array",
		"items": map[string]interface{}{
			"type": []interface{}{"object", "string"},
		},
	},
}
