package filters

import "time"

// Action は Reduce に渡す状態遷移です。このパッケージ内の型のみが実装できます。
type Action interface {
	apply(State) State
}

// SetSearch は検索文字列を設定します。
type SetSearch struct{ Value string }

// SetStatus はステータスフィルタを設定します ("all" で解除)。
type SetStatus struct{ Value string }

// SetHTMLVersion は HTML バージョンフィルタを設定します。
type SetHTMLVersion struct{ Value string }

// SetHasLogin はログインフォーム有無フィルタを設定します ("yes" / "no" / "all")。
type SetHasLogin struct{ Value string }

// SetRange は数値範囲フィルタの片側を設定します。Value が nil なら解除します。
type SetRange struct {
	Field RangeField
	Value *int
}

// SetDate は日付範囲フィルタの片側を設定します。Value が nil なら解除します。
type SetDate struct {
	Field DateField
	Value *time.Time
}

// SetSort はソート列を選択します。
type SetSort struct{ Field string }

// Reset はソート以外の条件を初期値に戻します。
type Reset struct{}

func (a SetSearch) apply(s State) State      { s.Search = a.Value; return s }
func (a SetStatus) apply(s State) State      { s.Status = a.Value; return s }
func (a SetHTMLVersion) apply(s State) State { s.HTMLVersion = a.Value; return s }
func (a SetHasLogin) apply(s State) State    { s.HasLogin = a.Value; return s }
func (a SetRange) apply(s State) State       { return s.withRange(a.Field, a.Value) }
func (a SetDate) apply(s State) State        { return s.withDate(a.Field, a.Value) }

// 選択中の列を再度選ぶと方向を反転し、別の列を選ぶと昇順から始めます。
func (a SetSort) apply(s State) State {
	if s.SortBy == a.Field {
		if s.SortOrder == Asc {
			s.SortOrder = Desc
		} else {
			s.SortOrder = Asc
		}
		return s
	}
	s.SortBy = a.Field
	s.SortOrder = Asc
	return s
}

func (Reset) apply(s State) State {
	next := Default()
	next.SortBy = s.SortBy
	next.SortOrder = s.SortOrder
	return next
}

// Reduce は現在の状態とアクションから新しい状態を返します。入力の状態は変更しません。
func Reduce(s State, a Action) State {
	if a == nil {
		return s
	}
	return a.apply(s)
}

// IsFilterChange は、そのアクションが絞り込み条件を変えるもの (ページを1に戻すべきもの) かを返します。
// ソートの変更はページを維持します。
func IsFilterChange(a Action) bool {
	switch a.(type) {
	case SetSort, nil:
		return false
	default:
		return true
	}
}

// IntPtr と TimePtr はアクション生成時の補助です。
func IntPtr(v int) *int { return &v }

func TimePtr(t time.Time) *time.Time { return &t }
