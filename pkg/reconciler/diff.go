package reconciler

import (
	"fmt"
	"reflect"

	"xcat_ctl/pkg/client"
)

// diffAttributes returns the desired attributes whose values differ
// from the observed resource, or which the observed resource lacks.
// Attributes only the server knows about are left alone.
func diffAttributes(desired, observed client.Attributes) client.Attributes {
	changed := client.Attributes{}
	for key, want := range desired {
		got, ok := observed[key]
		if !ok || !attrEqual(want, got) {
			changed[key] = want
		}
	}
	return changed
}

// attrEqual compares attribute values across JSON decoding, which turns
// every number into float64. Rendered forms are compared as a fallback
// so 755 and float64(755) count as equal.
func attrEqual(want, got any) bool {
	if reflect.DeepEqual(want, got) {
		return true
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}
