package main

import "github.com/shouni/go-crawl-dash/cmd"

// main はCLIのエントリポイントです。コマンドの解析と終了コードの管理は cmd.Execute に任せます。
func main() {
	cmd.Execute()
}
