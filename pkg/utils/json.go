package utils

import (
	"github.com/bytedance/sonic"
)

// ToJSON 将对象转换为JSON字符串
func ToJSON(v any) (string, error) {
	return sonic.MarshalString(v)
}

// FromJSON 将JSON字符串转换为对象
func FromJSON[T any](s string) (T, error) {
	var v T
	err := sonic.UnmarshalString(s, &v)
	return v, err
}

// Unmarshal 将JSON字节解析到对象
func Unmarshal(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}
