package chart

import (
	"fmt"
	"strings"

	"github.com/hitoshi/chartman/internal/model"
)

// validateEntry はエントリの内容を検証する。
// 不正な場合はVALIDATION_FAILEDのAPIErrorを返す。
func validateEntry(entry *model.ChartEntry) error {
	if entry.Date.IsZero() {
		return model.NewValidationError("日付は必須です")
	}
	if entry.Rank < 1 {
		return model.NewValidationError(fmt.Sprintf("順位は1以上である必要があります: %d", entry.Rank))
	}
	if strings.TrimSpace(entry.Song) == "" {
		return model.NewValidationError("曲名は必須です")
	}
	if strings.TrimSpace(entry.Artist) == "" {
		return model.NewValidationError("アーティスト名は必須です")
	}
	if !model.IsKnownSource(entry.Source) {
		return model.NewValidationError(fmt.Sprintf("未知のチャート提供元です: %s", entry.Source))
	}
	if strings.TrimSpace(entry.Country) == "" {
		return model.NewValidationError("国コードは必須です")
	}
	if entry.Streams != nil && *entry.Streams < 0 {
		return model.NewValidationError("再生数は0以上である必要があります")
	}
	return nil
}
