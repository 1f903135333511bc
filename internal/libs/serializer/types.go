package serializer

import "reflect"

//nolint:gochecknoglobals
var mapType = reflect.TypeOf(map[string]any(nil))
