package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ensureScheme はURLにスキームがなければ "https://" を補います。
// スキームがある場合は http か https のみ受け付けます。
func ensureScheme(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !strings.Contains(rawURL, "://") {
		return "https://" + rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("URLの解析に失敗しました: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("無効なURLスキームです。httpまたはhttpsを指定してください: %s", rawURL)
	}
	return rawURL, nil
}

// parseIDs は引数のID列を解析します。重複は最初の1つだけ残します。
func parseIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	seen := make(map[uint]struct{}, len(args))
	for _, a := range args {
		// "1,2,3" のようなカンマ区切りも受け付ける
		for _, part := range strings.Split(a, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.ParseUint(part, 10, 64)
			if err != nil || n == 0 {
				return nil, fmt.Errorf("IDは1以上の整数で指定してください: %q", part)
			}
			id := uint(n)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("IDを1つ以上指定してください")
	}
	return ids, nil
}
