package wallet

import (
	"fmt"
	"math/big"
	"strings"

	xerrors "PulsePress/internal/errors"
)

// ParseAmount 将十进制代币金额文本转换为最小单位整数。
// decimals 为代币精度，例如 USDC 为 6。
func ParseAmount(text string, decimals int) (*big.Int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为空")
	}
	if decimals < 0 || decimals > 36 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代币精度超出范围")
	}
	if strings.HasPrefix(text, "-") {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额不能为负数",
			xerrors.WithMetadata("amount", text))
	}

	whole := text
	frac := ""
	if idx := strings.IndexByte(text, '.'); idx >= 0 {
		whole = text[:idx]
		frac = text[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额精度超过代币精度",
			xerrors.WithMetadata("amount", text))
	}
	frac += strings.Repeat("0", decimals-len(frac))

	digits := whole + frac
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额格式不合法",
				xerrors.WithMetadata("amount", text))
		}
	}

	units, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金额解析失败",
			xerrors.WithMetadata("amount", text))
	}
	return units, nil
}

// FormatAmount 将最小单位整数还原为十进制金额文本。
func FormatAmount(units *big.Int, decimals int) string {
	if units == nil {
		return "0"
	}
	digits := units.String()
	if decimals <= 0 {
		return digits
	}
	negative := strings.HasPrefix(digits, "-")
	if negative {
		digits = digits[1:]
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out = fmt.Sprintf("%s.%s", whole, frac)
	}
	if negative {
		out = "-" + out
	}
	return out
}
