package testutils

import (
	"encoding/json"

	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in an expected document matches any actual value for that
// key, for fields such as elapsed times that change on every run.
const PresencePlaceholder = "<<PRESENCE>>"

// JSONAsserter compares a JSON object printed by a command against an expected
// document and reports differences in gojsondiff's ASCII format.
type JSONAsserter struct {
	t TestingT
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	return &JSONAsserter{t: t}
}

// Assert fails the test when actualJSON differs from expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	var expected, actual map[string]interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		ja.t.Errorf("invalid expected JSON: %v", err)
		return
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		ja.t.Errorf("invalid actual JSON: %v\n%s", err, actualJSON)
		return
	}

	for k, v := range expected {
		if v == PresencePlaceholder {
			if present, ok := actual[k]; ok {
				expected[k] = present
			}
		}
	}

	diff := gojsondiff.New().CompareObjects(expected, actual)
	if !diff.Modified() {
		return
	}
	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	ja.t.Errorf("JSON assertion failed:\n%s", out)
}
