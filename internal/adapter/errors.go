package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Class 将传输错误归入重试策略关心的四类。
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
	ClassAuth      Class = "auth"
	ClassNotFound  Class = "not-found"
)

// TransferError 是适配器对外返回的唯一错误形态，未分类的失败不允许漏出。
type TransferError struct {
	Class Class
	Op    string
	Err   error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func transientErr(op string, err error) error {
	return &TransferError{Class: ClassTransient, Op: op, Err: err}
}

func permanentErr(op string, err error) error {
	return &TransferError{Class: ClassPermanent, Op: op, Err: err}
}

func authErr(op string, err error) error {
	return &TransferError{Class: ClassAuth, Op: op, Err: err}
}

func notFoundErr(op string, err error) error {
	return &TransferError{Class: ClassNotFound, Op: op, Err: err}
}

// Classify 返回错误的传输类别。非 TransferError 的网络/超时错误按瞬时处理，
// 取消与路径错误按各自语义归类，兜底为 permanent。
func Classify(err error) Class {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, os.ErrNotExist) {
		return ClassNotFound
	}
	if errors.Is(err, os.ErrPermission) {
		return ClassAuth
	}
	return ClassPermanent
}

// IsTransient 判断错误是否应走重试路径。
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}

// IsNotFound 判断远端条目是否已消失。
func IsNotFound(err error) bool {
	return Classify(err) == ClassNotFound
}

// IsAuth 判断是否为凭证失败。
func IsAuth(err error) bool {
	return Classify(err) == ClassAuth
}

// classifyHTTPStatus 将上游状态码映射为传输类别。
func classifyHTTPStatus(op string, status int) error {
	err := fmt.Errorf("unexpected status %d", status)
	switch {
	case status == 401 || status == 403:
		return authErr(op, err)
	case status == 404 || status == 410:
		return notFoundErr(op, err)
	case status == 429 || status >= 500:
		return transientErr(op, err)
	default:
		return permanentErr(op, err)
	}
}
