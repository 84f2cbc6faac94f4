package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/spf13/cobra"

	"github.com/shouni/go-crawl-dash/pkg/api"
	"github.com/shouni/go-crawl-dash/pkg/batch"
	"github.com/shouni/go-crawl-dash/pkg/feed"
	"github.com/shouni/go-crawl-dash/pkg/query"
	"github.com/shouni/go-crawl-dash/pkg/view"
)

// commandContext は1コマンド分のタイムアウト付きコンテキストを返します。
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), DefaultOverallTimeout)
}

// --- add ---

var addFlags struct {
	feeds     []string
	feedLimit int
}

var addCmd = &cobra.Command{
	Use:   "add [url]...",
	Short: "クロール対象のURLを登録します",
	Long: `URLを登録します。スキームを省略した場合は https:// を補います。
--feed を指定すると、RSS/Atom フィードの各アイテムのリンクもまとめて登録します。`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(addFlags.feeds) == 0 {
			return fmt.Errorf("URLか --feed を1つ以上指定してください")
		}
		return nil
	},
	RunE: runAdd,
}

func init() {
	addCmd.Flags().StringSliceVar(&addFlags.feeds, "feed", nil, "リンクを登録するRSS/Atomフィードの URL")
	addCmd.Flags().IntVar(&addFlags.feedLimit, "feed-limit", 50, "1つのフィードから登録する最大件数 (0 で無制限)")
}

// feedLinks は --feed で指定したフィードからリンクを集めます。
func feedLinks(ctx context.Context, feedURLs []string) ([]string, error) {
	fetcher := httpkit.New(globalConfig.API.Timeout, httpkit.WithMaxRetries(uint64(globalConfig.API.MaxRetries)))
	parser := feed.NewParser(fetcher)

	var links []string
	for _, raw := range feedURLs {
		feedURL, err := ensureScheme(raw)
		if err != nil {
			return nil, err
		}
		src, err := parser.FetchLinks(ctx, feedURL, addFlags.feedLimit)
		if err != nil {
			return nil, err
		}
		log.Info().Str("feed", feedURL).Str("title", src.Title).Int("links", len(src.Links)).Msg("フィードからリンクを取得しました")
		links = append(links, src.Links...)
	}
	return links, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient(globalConfig, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	inputs := args
	if len(addFlags.feeds) > 0 {
		links, err := feedLinks(ctx, addFlags.feeds)
		if err != nil {
			return err
		}
		inputs = append(append([]string{}, args...), links...)
	}

	targets := make([]string, 0, len(inputs))
	for _, a := range inputs {
		u, err := ensureScheme(a)
		if err != nil {
			return err
		}
		if _, err := api.ValidateTargetURL(u); err != nil {
			return err
		}
		targets = append(targets, u)
	}

	n := view.NewNotifier(cmd.ErrOrStderr())
	failed := 0
	for _, u := range targets {
		rec, err := client.CreateURL(ctx, u)
		if err != nil {
			failed++
			n.Error(fmt.Sprintf("%s の登録", u), err)
			continue
		}
		n.Success("ID %d で登録しました: %s", rec.ID, rec.URL)
	}
	if failed > 0 {
		return fmt.Errorf("%d 件中 %d 件の登録に失敗しました", len(targets), failed)
	}
	return nil
}

// --- list ---

var listFlags = newFilterFlags()

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "登録済みURLの一覧を表示します",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	listFlags.register(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	state, err := listFlags.state(cmd)
	if err != nil {
		return err
	}
	size, err := listFlags.resolvePageSize(globalConfig.Dashboard.PageSize)
	if err != nil {
		return err
	}
	if listFlags.page < 1 {
		return fmt.Errorf("--page は1以上を指定してください: %d", listFlags.page)
	}

	client, err := newAPIClient(globalConfig, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	log.Debug().Str("filters", state.Key()).Int("page", listFlags.page).Int("page_size", size).Msg("一覧を取得します")

	cache := query.New(client)
	res, err := cache.Get(ctx, "list", query.Key{Page: listFlags.page, PageSize: size, Filters: state})
	if err != nil {
		view.NewNotifier(cmd.ErrOrStderr()).Error("一覧の取得", err)
		return err
	}

	out := cmd.OutOrStdout()
	if err := view.RenderTable(out, res.Data); err != nil {
		return err
	}
	if len(res.Data.Data) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	return view.RenderStatusSummary(out, res.Data.Data)
}

// --- get ---

var getConcurrency int

var getCmd = &cobra.Command{
	Use:   "get <id>...",
	Short: "URLの詳細と見出し・リンクのグラフを表示します",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGet,
}

func init() {
	getCmd.Flags().IntVar(&getConcurrency, "concurrency", batch.DefaultMaxConcurrency, "同時に取得する最大数")
}

func runGet(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient(globalConfig, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	results := batch.NewFetcher(client, getConcurrency).GetMany(ctx, ids)

	out := cmd.OutOrStdout()
	n := view.NewNotifier(cmd.ErrOrStderr())
	failed := 0
	for i, r := range results {
		if r.Err != nil {
			failed++
			n.Error(fmt.Sprintf("ID %d の取得", r.ID), r.Err)
			continue
		}
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := view.RenderDetail(out, *r.Record); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d 件中 %d 件の取得に失敗しました", len(ids), failed)
	}
	return nil
}

// --- scan / cancel ---

var scanCmd = &cobra.Command{
	Use:   "scan <id>",
	Short: "URLのクロールを開始します",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(cmd, args, "クロールの開始", "ID %d のクロールを開始しました", func(ctx context.Context, c *api.Client, id uint) error {
			return c.StartScan(ctx, id)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "実行中のクロールを中止します",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSingle(cmd, args, "クロールの中止", "ID %d のクロールを中止しました", func(ctx context.Context, c *api.Client, id uint) error {
			return c.CancelScan(ctx, id)
		})
	},
}

func runSingle(cmd *cobra.Command, args []string, action, success string, op func(context.Context, *api.Client, uint) error) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient(globalConfig, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	n := view.NewNotifier(cmd.ErrOrStderr())
	if err := op(ctx, client, ids[0]); err != nil {
		n.Error(action, err)
		return err
	}
	n.Success(success, ids[0])
	return nil
}

// --- delete / rescan ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "選択したURLをまとめて削除します",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, args, "URLの削除", "%d 件のURLを削除しました", func(ctx context.Context, c *api.Client, ids []uint) error {
			return c.BulkDelete(ctx, ids)
		})
	},
}

var rescanCmd = &cobra.Command{
	Use:   "rescan <id>...",
	Short: "選択したURLをまとめて再クロールします",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBulk(cmd, args, "再クロール", "%d 件のURLの再クロールを開始しました", func(ctx context.Context, c *api.Client, ids []uint) error {
			return c.BulkScan(ctx, ids)
		})
	},
}

func runBulk(cmd *cobra.Command, args []string, action, success string, op func(context.Context, *api.Client, []uint) error) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	client, err := newAPIClient(globalConfig, nil)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	n := view.NewNotifier(cmd.ErrOrStderr())
	if err := op(ctx, client, ids); err != nil {
		n.Error(action, err)
		return err
	}
	n.Success(success, len(ids))
	return nil
}
