package utils

import (
	"github.com/duke-git/lancet/v2/netutil"
	"github.com/duke-git/lancet/v2/strutil"
)

// IsEmpty 判断字符串是否为空（含空白字符）
func IsEmpty(s string) bool {
	return strutil.IsBlank(s)
}

// IsNotEmpty 判断字符串是否不为空
func IsNotEmpty(s string) bool {
	return !IsEmpty(s)
}

// LocalHost 返回本机内网 IP，获取失败时返回 127.0.0.1
func LocalHost() string {
	if ip := netutil.GetInternalIp(); ip != "" {
		return ip
	}
	return "127.0.0.1"
}
