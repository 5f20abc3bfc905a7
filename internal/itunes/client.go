// Package itunes はiTunes StoreのトップソングRSSフィードのクライアントを提供する。
package itunes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// defaultBaseURL はiTunes RSSフィードのベースURL。
	defaultBaseURL = "https://itunes.apple.com"

	// maxFeedLimit はフィードAPIが受け付ける最大件数。
	maxFeedLimit = 200
)

// Song はフィードから取得した1曲を表す。順位はフィード内の出現順。
type Song struct {
	Rank   int
	Name   string
	Artist string
	Album  string
}

// Client はiTunesトップソングフィードのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// httpClientにはsecurity.SSRFGuardServiceが生成したクライアントを渡す。
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    defaultBaseURL,
	}
}

// feedResponse はiTunes RSSフィードのJSON構造。
type feedResponse struct {
	Feed struct {
		Entry []feedEntry `json:"entry"`
	} `json:"feed"`
}

type feedEntry struct {
	Name struct {
		Label string `json:"label"`
	} `json:"im:name"`
	Artist struct {
		Label string `json:"label"`
	} `json:"im:artist"`
	Collection struct {
		Name struct {
			Label string `json:"label"`
		} `json:"im:name"`
	} `json:"im:collection"`
}

// TopSongs は指定国のトップソングを順位付きで取得する。
// 取得失敗時はエラーを返す（呼び出し元がUPSTREAM_UNAVAILABLEへの変換を判断する）。
func (c *Client) TopSongs(ctx context.Context, country string, limit int) ([]Song, error) {
	country = strings.ToLower(strings.TrimSpace(country))
	if country == "" {
		return nil, fmt.Errorf("国コードが指定されていません")
	}
	if limit <= 0 || limit > maxFeedLimit {
		limit = maxFeedLimit
	}

	feedURL := fmt.Sprintf("%s/%s/rss/topsongs/limit=%d/json", c.baseURL, country, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "Chartman/1.0 Chart Tracker")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("iTunesフィードの取得に失敗しました",
			slog.String("error", err.Error()),
			slog.String("country", country),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("iTunesフィードがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("country", country),
		)
		return nil, fmt.Errorf("iTunesフィードがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		c.logger.Error("iTunesフィードのパースに失敗しました",
			slog.String("error", err.Error()),
			slog.String("country", country),
		)
		return nil, fmt.Errorf("フィードJSONのパースに失敗しました: %w", err)
	}

	songs := make([]Song, 0, len(feed.Feed.Entry))
	for i, entry := range feed.Feed.Entry {
		if entry.Name.Label == "" || entry.Artist.Label == "" {
			// 曲名またはアーティスト名を欠くエントリは順位を保ったままスキップする
			continue
		}
		songs = append(songs, Song{
			Rank:   i + 1,
			Name:   entry.Name.Label,
			Artist: entry.Artist.Label,
			Album:  entry.Collection.Name.Label,
		})
	}

	return songs, nil
}
