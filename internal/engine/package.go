// ABOUTME: TestPackage describes the test programs and settings handed to a runner.
// ABOUTME: Serializes to an attribute-based XML form that round-trips nested packages and typed settings.

package engine

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"sync/atomic"
)

// Well-known package settings.
const (
	SettingDefaultTimeout = "DefaultTimeout" // int, milliseconds per test program
	SettingWorkDirectory  = "WorkDirectory"  // string
	SettingTestArguments  = "TestArguments"  // string, appended to every test program invocation
)

var nextPackageID atomic.Int64

// ErrUnsupportedSetting is returned when a setting value has a type the
// package serializer cannot represent.
var ErrUnsupportedSetting = errors.New("unsupported setting type")

// TestPackage is a tree of test files plus settings. Leaf packages name a
// single test file in FullName.
type TestPackage struct {
	ID          string
	Name        string
	FullName    string
	Settings    map[string]any
	SubPackages []*TestPackage
}

// NewTestPackage creates a package for a single test file.
func NewTestPackage(path string) *TestPackage {
	return &TestPackage{
		ID:       newPackageID(),
		Name:     filepath.Base(path),
		FullName: path,
	}
}

// NewMultiPackage creates an anonymous top-level package with one
// sub-package per test file.
func NewMultiPackage(paths ...string) *TestPackage {
	p := &TestPackage{ID: newPackageID()}
	for _, path := range paths {
		p.AddSubPackage(NewTestPackage(path))
	}
	return p
}

func newPackageID() string {
	return strconv.FormatInt(nextPackageID.Add(1), 10)
}

// AddSubPackage appends sub to the package.
func (p *TestPackage) AddSubPackage(sub *TestPackage) {
	p.SubPackages = append(p.SubPackages, sub)
}

// AddSetting sets a value on the package. Supported value types are
// string, bool, the integer types and the float types. Serialization
// normalizes numbers: integers decode as int and floats as float64, and
// integers outside the range of int fail to encode.
func (p *TestPackage) AddSetting(name string, value any) {
	if p.Settings == nil {
		p.Settings = make(map[string]any)
	}
	p.Settings[name] = value
}

// Assemblies returns the full names of every leaf package, depth first.
func (p *TestPackage) Assemblies() []string {
	var out []string
	var walk func(*TestPackage)
	walk = func(pkg *TestPackage) {
		if len(pkg.SubPackages) == 0 {
			if pkg.FullName != "" {
				out = append(out, pkg.FullName)
			}
			return
		}
		for _, sub := range pkg.SubPackages {
			walk(sub)
		}
	}
	walk(p)
	return out
}

// Setting looks up name on p, falling back to def when it is missing or
// holds a different type. Settings set on a parent apply to its children,
// so callers pass the top-level package.
func Setting[T any](p *TestPackage, name string, def T) T {
	if p == nil {
		return def
	}
	if v, ok := p.Settings[name].(T); ok {
		return v
	}
	return def
}

type xmlPackage struct {
	XMLName     xml.Name     `xml:"TestPackage"`
	ID          string       `xml:"id,attr"`
	Name        string       `xml:"name,attr,omitempty"`
	FullName    string       `xml:"fullname,attr,omitempty"`
	Settings    []xmlSetting `xml:"Settings>Setting"`
	SubPackages []xmlPackage `xml:"TestPackage"`
}

type xmlSetting struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr"`
	Value string `xml:"value,attr"`
}

// MarshalPackage serializes p.
func MarshalPackage(p *TestPackage) ([]byte, error) {
	x, err := toXML(p)
	if err != nil {
		return nil, err
	}
	return xml.Marshal(x)
}

// UnmarshalPackage parses the output of MarshalPackage.
func UnmarshalPackage(data []byte) (*TestPackage, error) {
	var x xmlPackage
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("parsing test package: %w", err)
	}
	return fromXML(&x)
}

func toXML(p *TestPackage) (xmlPackage, error) {
	x := xmlPackage{ID: p.ID, Name: p.Name, FullName: p.FullName}

	names := make([]string, 0, len(p.Settings))
	for name := range p.Settings {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s, err := encodeSetting(name, p.Settings[name])
		if err != nil {
			return xmlPackage{}, err
		}
		x.Settings = append(x.Settings, s)
	}

	for _, sub := range p.SubPackages {
		sx, err := toXML(sub)
		if err != nil {
			return xmlPackage{}, err
		}
		x.SubPackages = append(x.SubPackages, sx)
	}
	return x, nil
}

func fromXML(x *xmlPackage) (*TestPackage, error) {
	p := &TestPackage{ID: x.ID, Name: x.Name, FullName: x.FullName}

	for _, s := range x.Settings {
		v, err := decodeSetting(s)
		if err != nil {
			return nil, err
		}
		p.AddSetting(s.Name, v)
	}

	for i := range x.SubPackages {
		sub, err := fromXML(&x.SubPackages[i])
		if err != nil {
			return nil, err
		}
		p.AddSubPackage(sub)
	}
	return p, nil
}

// encodeSetting normalizes integer kinds to "int" and float kinds to "float".
func encodeSetting(name string, value any) (xmlSetting, error) {
	s := xmlSetting{Name: name}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String:
		s.Type, s.Value = "string", rv.String()
	case reflect.Bool:
		s.Type, s.Value = "bool", strconv.FormatBool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n < math.MinInt || n > math.MaxInt {
			return xmlSetting{}, fmt.Errorf("%w: %s value %d overflows int", ErrUnsupportedSetting, name, n)
		}
		s.Type, s.Value = "int", strconv.FormatInt(n, 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n := rv.Uint()
		if n > math.MaxInt {
			return xmlSetting{}, fmt.Errorf("%w: %s value %d overflows int", ErrUnsupportedSetting, name, n)
		}
		s.Type, s.Value = "int", strconv.FormatUint(n, 10)
	case reflect.Float32, reflect.Float64:
		s.Type, s.Value = "float", strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	default:
		return xmlSetting{}, fmt.Errorf("%w: %s is %T", ErrUnsupportedSetting, name, value)
	}
	return s, nil
}

func decodeSetting(s xmlSetting) (any, error) {
	switch s.Type {
	case "string":
		return s.Value, nil
	case "bool":
		v, err := strconv.ParseBool(s.Value)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", s.Name, err)
		}
		return v, nil
	case "int":
		v, err := strconv.Atoi(s.Value)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", s.Name, err)
		}
		return v, nil
	case "float":
		v, err := strconv.ParseFloat(s.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("setting %s: %w", s.Name, err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %s has type %q", ErrUnsupportedSetting, s.Name, s.Type)
	}
}
