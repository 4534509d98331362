package cmdline

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UintValue
type UintValue struct {
	Value     uint
	IsDefault bool
	Base      int
}

func NewUintValueDefault(default_value uint) *UintValue {
	return &UintValue{Value: default_value, Base: 10, IsDefault: true}
}

func (val *UintValue) Set(raw string) error {
	actual, err := strconv.ParseUint(raw, val.Base, 32)
	if err != nil {
		return err
	}
	val.IsDefault = false
	val.Value = uint(actual)
	return nil
}

func (val *UintValue) String() string {
	base := val.Base
	if base == 0 {
		base = 10
	}
	return strconv.FormatUint(uint64(val.Value), base)
}

// StringValue
type StringValue struct {
	Value     string
	IsDefault bool
}

func NewStringValueDefault(default_value string) *StringValue {
	return &StringValue{Value: default_value, IsDefault: true}
}

func NewStringValue() *StringValue {
	return NewStringValueDefault("")
}

func (val *StringValue) Set(raw string) error {
	val.Value = raw
	val.IsDefault = false
	return nil
}

func (val *StringValue) String() string {
	return val.Value
}

// NetEndpointValue
type NetEndpointValue struct {
	Scheme       string
	UserInfo     string
	Host         string
	Port         uint32
	HasPort      bool
	IsDefault    bool
	Error        error
	ValidSchemes []string
}

func (val *NetEndpointValue) IsSchemeValid(scheme string) bool {
	for _, valid_scheme := range val.ValidSchemes {
		if scheme == valid_scheme {
			return true
		}
	}
	return false
}

func (val *NetEndpointValue) SetAuthority(authority string) error {
	var user_info, host, port string
	if authority == "" {
		return nil
	}

	if -1 != strings.Index(authority, "/") {
		return fmt.Errorf("Invalid charactor \"/\"")
	}

	rest := authority
	if idx := strings.Index(authority, "@"); idx != -1 {
		user_info = authority[:idx]
		rest = authority[idx+1:]
	}

	has_port := false
	if idx := strings.LastIndex(rest, ":"); idx != -1 {
		has_port = true
		port = rest[idx+1:]
		host = rest[:idx]
	} else {
		port = "0"
		host = rest
	}

	act_port, err := strconv.ParseUint(port, 10, 32)
	if err != nil {
		return fmt.Errorf("Port should be an integer: %s", port)
	}
	val.Port = uint32(act_port)
	val.UserInfo = user_info
	val.Host = host
	val.HasPort = has_port
	return nil
}

func NewNetEndpointValueDefault(validSchemes []string, netEndpoint string) (*NetEndpointValue, error) {
	new_instance := &NetEndpointValue{
		ValidSchemes: validSchemes,
	}
	err := new_instance.Set(netEndpoint)
	if err != nil {
		return nil, err
	}
	new_instance.IsDefault = true
	return new_instance, nil
}

func (val *NetEndpointValue) Set(raw string) error {
	var scheme, authority string
	var err error

	if raw == "" {
		// Allow to be empty.
		scheme = ""
		authority = ""
	} else {
		idx_colon := strings.Index(raw, "://")
		// Determine scheme
		if idx_colon != -1 {
			scheme = raw[:idx_colon]
			authority = raw[idx_colon+3:]
			if !val.IsSchemeValid(scheme) {
				val.Error = fmt.Errorf("Unsupported network endpoint scheme: %v", scheme)
				return val.Error
			}
		} else {
			scheme = ""
			authority = raw
		}

		// Parse authority part.
		if err = val.SetAuthority(authority); err != nil {
			val.Error = fmt.Errorf("Invalid authority format: %v", err.Error())
			return val.Error
		}
	}
	val.Scheme = scheme
	val.IsDefault = false
	return nil
}

func (val *NetEndpointValue) String() string {
	scheme_raw := ""

	if val.Scheme != "" {
		scheme_raw = val.Scheme + "://"
	}
	return scheme_raw + val.AuthorityString()
}

func (val *NetEndpointValue) AuthorityString() string {
	userInfoRaw, portRaw := "", ""
	if val.UserInfo != "" {
		userInfoRaw = val.UserInfo + "@"
	}
	if val.HasPort {
		portRaw = fmt.Sprintf(":%v", val.Port)
	}
	return userInfoRaw + val.Host + portRaw
}

// BoolValue
type BoolValue struct {
	Value     bool
	IsDefault bool
}

func NewBoolValueDefault(bool_default bool) *BoolValue {
	return &BoolValue{Value: bool_default, IsDefault: true}
}

func (val *BoolValue) Set(raw string) error {
	actual, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("Invalid value: %v", raw)
	}
	val.Value = actual
	val.IsDefault = false
	return nil
}

func (val *BoolValue) String() string {
	return strconv.FormatBool(val.Value)
}

// DurationValue
type DurationValue struct {
	Value     time.Duration
	IsDefault bool
	Error     error
}

func NewDurationValueDefault(default_value time.Duration) *DurationValue {
	return &DurationValue{Value: default_value, IsDefault: true}
}

func (val *DurationValue) Set(raw string) error {
	actual, err := time.ParseDuration(raw)
	if err != nil {
		val.Error = err
		return err
	}
	if actual <= 0 {
		val.Error = fmt.Errorf("Duration should be positive: %v", raw)
		return val.Error
	}
	val.Value = actual
	val.IsDefault = false
	return nil
}

func (val *DurationValue) String() string {
	if val.Value == 0 {
		return ""
	}
	return val.Value.String()
}
