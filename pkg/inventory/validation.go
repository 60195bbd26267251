package inventory

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var (
	validate = newValidator()

	documentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:./-]+$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	// エラーのフィールド名にはJSON名を使う
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// validateStruct runs the struct tags of s and maps the first failure to a
// *ValidationError.
func validateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return NewValidationError("", err.Error(), "")
	}
	fe := fieldErrs[0]
	return NewValidationError(fe.Namespace(), ruleMessage(fe), fmt.Sprintf("%v", fe.Value()))
}

func ruleMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "必須項目です"
	case "gt":
		return fmt.Sprintf("%sより大きい値である必要があります", fe.Param())
	case "gte":
		return fmt.Sprintf("%s以上である必要があります", fe.Param())
	case "max":
		return fmt.Sprintf("%s以下である必要があります", fe.Param())
	case "nefield":
		return fmt.Sprintf("%sと異なる値である必要があります", fe.Param())
	case "oneof":
		return fmt.Sprintf("[%s]のいずれかである必要があります", fe.Param())
	default:
		return fmt.Sprintf("検証ルール %s に違反しています", fe.Tag())
	}
}

// ValidateQuantity 数量をバリデーション（正の値のみ許可）
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return NewValidationError("quantity", "数量は正の値である必要があります", fmt.Sprintf("%d", quantity))
	}
	if quantity > 999999999 {
		return NewValidationError("quantity", "数量が有効範囲を超えています", fmt.Sprintf("%d", quantity))
	}
	return nil
}

// ValidateDocumentID 伝票IDの形式をバリデーション
func ValidateDocumentID(id string) error {
	if id == "" {
		return NewValidationError("id", "IDが空です", id)
	}
	if len(id) > 255 {
		return NewValidationError("id", "IDが長すぎます", id)
	}
	if !documentIDPattern.MatchString(id) {
		return NewValidationError("id", "IDに無効な文字が含まれています", id)
	}
	return nil
}

// ValidateTransferInput 在庫移動要求をバリデーション
func ValidateTransferInput(in TransferInput) error {
	if err := ValidateQuantity(in.Quantity); err != nil {
		return err
	}
	if in.SourceLocationID == in.DestinationLocationID {
		return NewValidationError("location", "移動元と移動先が同じです",
			fmt.Sprintf("%d -> %d", in.SourceLocationID, in.DestinationLocationID))
	}
	return validateStruct(in)
}

// ValidateDocumentLines 伝票明細をバリデーション
func ValidateDocumentLines(lines []DocumentLine) error {
	for i, l := range lines {
		if err := ValidateQuantity(l.Quantity); err != nil {
			return NewValidationError(fmt.Sprintf("lines[%d].quantity", i), err.(*ValidationError).Message, fmt.Sprintf("%d", l.Quantity))
		}
		if err := validateStruct(l); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDocument 伝票をバリデーション
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return NewValidationError("document", "伝票が指定されていません", "")
	}
	if err := ValidateDocumentID(doc.ID); err != nil {
		return err
	}
	if err := ValidateDocumentLines(doc.Lines); err != nil {
		return err
	}
	return validateStruct(doc)
}

// ValidateShipment シップメントをバリデーション
func ValidateShipment(s *Shipment) error {
	if s == nil {
		return NewValidationError("shipment", "シップメントが指定されていません", "")
	}
	if err := ValidateDocumentID(s.ID); err != nil {
		return err
	}
	costs := map[string]decimal.Decimal{
		"freight":   s.Freight,
		"customs":   s.Customs,
		"vat":       s.VAT,
		"insurance": s.Insurance,
	}
	for field, v := range costs {
		if v.IsNegative() {
			return NewValidationError(field, "費用は0以上である必要があります", v.String())
		}
	}
	for i, l := range s.Lines {
		if l.UnitCost.IsNegative() {
			return NewValidationError(fmt.Sprintf("lines[%d].unit_cost", i), "単価は0以上である必要があります", l.UnitCost.String())
		}
		if l.DeclaredValue.IsNegative() {
			return NewValidationError(fmt.Sprintf("lines[%d].declared_value", i), "申告価額は0以上である必要があります", l.DeclaredValue.String())
		}
	}
	return validateStruct(s)
}
