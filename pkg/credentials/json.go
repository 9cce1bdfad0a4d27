package credentials

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func marshalModels(models []CustomModel) (datatypes.JSON, error) {
	if len(models) == 0 {
		return datatypes.JSON("[]"), nil
	}
	raw, err := json.Marshal(models)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalModels(raw datatypes.JSON) ([]CustomModel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []CustomModel
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
