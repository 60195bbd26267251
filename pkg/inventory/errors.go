package inventory

import (
	"errors"
	"fmt"
)

// Common stock engine errors
// 共通の在庫エラー定義

var (
	// ErrInsufficientStock is returned when a row cannot cover a change
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrLockTimeout is returned when row locks could not be acquired in time
	// ロック待ちがタイムアウトした場合のエラー
	ErrLockTimeout = errors.New("ロック取得がタイムアウトしました")

	// ErrInvalidOperation is returned for malformed requests
	// 不正な操作要求の場合のエラー
	ErrInvalidOperation = errors.New("不正な操作です")

	// ErrInvalidTransition is returned for a forbidden document status change
	// 許可されていない状態遷移の場合のエラー
	ErrInvalidTransition = errors.New("許可されていない状態遷移です")

	// ErrStockNotFound is returned when stock record doesn't exist
	// 在庫記録が存在しない場合のエラー
	ErrStockNotFound = errors.New("在庫記録が見つかりません")
)

// InsufficientStockError reports one row that could not cover a change
// 在庫不足の詳細（商品、ロケーション、要求数、利用可能数）
type InsufficientStockError struct {
	ProductID  int64 `json:"product_id"`
	LocationID int64 `json:"location_id"`
	Requested  int64 `json:"requested"`
	Available  int64 `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫不足 [商品:%d ロケーション:%d]: 要求 %d, 利用可能 %d",
		e.ProductID, e.LocationID, e.Requested, e.Available)
}

// Shortfall returns how many units are missing.
func (e *InsufficientStockError) Shortfall() int64 {
	if s := e.Requested - e.Available; s > 0 {
		return s
	}
	return 0
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// InsufficientStockErrors extracts every row-level shortage from err,
// including those combined with errors.Join.
func InsufficientStockErrors(err error) []*InsufficientStockError {
	if err == nil {
		return nil
	}
	var out []*InsufficientStockError
	if e, ok := err.(*InsufficientStockError); ok {
		return append(out, e)
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			out = append(out, InsufficientStockErrors(inner)...)
		}
	case interface{ Unwrap() error }:
		out = append(out, InsufficientStockErrors(u.Unwrap())...)
	}
	return out
}

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidOperation
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
	Err     error  `json:"-"`
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

func (e BusinessRuleError) Unwrap() error {
	return e.Err
}

// ConcurrencyError represents a concurrency-related error
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"-"`         // 原因エラー
}

func (e ConcurrencyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("同時実行エラー [%s:%s]: %s (原因: %v)", e.Operation, e.Resource, e.Message, e.Cause)
	}
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s", e.Operation, e.Resource, e.Message)
}

func (e ConcurrencyError) Is(target error) bool {
	return target == ErrLockTimeout
}

func (e ConcurrencyError) Unwrap() error {
	return e.Cause
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string, err error) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
		Err:     err,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string, cause error) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
		Cause:     cause,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// IsLockTimeout reports whether err is a lock timeout, deadlock or
// serialization failure surfaced by a store.
func IsLockTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
