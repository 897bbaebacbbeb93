package util

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// UnmarshalYAMLStrict decodes the YAML document read from r into data,
// rejecting keys that do not map onto a field of data. An empty document
// leaves data untouched.
func UnmarshalYAMLStrict(r io.Reader, data interface{}) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(data); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.Wrap(err, "unmarshalling yaml")
	}
	return nil
}

// ReadYAMLInto reads data for the given io.ReadCloser - until it hits an error
// or reaches EOF - and attempts to unmarshal the data read into the given
// interface.
func ReadYAMLInto(r io.ReadCloser, data interface{}) error {
	defer r.Close()
	return UnmarshalYAMLStrict(r, data)
}

// ReadFromYAMLFile unmarshals the named file into data.
func ReadFromYAMLFile(fn string, data interface{}) error {
	if _, err := os.Stat(fn); os.IsNotExist(err) {
		return errors.Errorf("file '%s' does not exist", fn)
	}

	file, err := os.Open(fn)
	if err != nil {
		return errors.Wrapf(err, "opening file '%s'", fn)
	}

	return errors.Wrapf(ReadYAMLInto(file, data), "reading file '%s'", fn)
}
