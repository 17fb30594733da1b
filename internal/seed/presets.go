package seed

// Preset はシード生成の名前付き設定を表す。
type Preset string

const (
	// PresetMinimal はユーザー1名とプロジェクト1件だけを生成する。
	PresetMinimal Preset = "minimal"

	// PresetDemo はデモ用に全テーブルへ少量のデータを生成する。
	PresetDemo Preset = "demo"

	// PresetVariety は全ステータス・全クラスを網羅するデータを生成する。
	PresetVariety Preset = "variety"

	// PresetStress は負荷確認用に大量のデータを生成する。
	PresetStress Preset = "stress"
)

// PresetConfig はプリセットの生成パラメータ。
type PresetConfig struct {
	Users                  int
	ProjectsPerUser        int
	PredicatesPerProject   int
	DocumentsPerProject    int
	InteractionsPerProject int
	Statuses               []string
}

// Presets は定義済みのプリセットを返す。
func Presets() []Preset {
	return []Preset{PresetMinimal, PresetDemo, PresetVariety, PresetStress}
}

// GetPresetConfig はプリセットの設定を返す。未知のプリセットはdemoとして扱う。
func GetPresetConfig(preset Preset) PresetConfig {
	switch preset {
	case PresetMinimal:
		return PresetConfig{
			Users:           1,
			ProjectsPerUser: 1,
			Statuses:        []string{"draft"},
		}
	case PresetVariety:
		return PresetConfig{
			Users:                  4,
			ProjectsPerUser:        3,
			PredicatesPerProject:   3,
			DocumentsPerProject:    2,
			InteractionsPerProject: 4,
			Statuses:               []string{"draft", "in_progress", "completed", "archived"},
		}
	case PresetStress:
		return PresetConfig{
			Users:                  50,
			ProjectsPerUser:        5,
			PredicatesPerProject:   5,
			DocumentsPerProject:    3,
			InteractionsPerProject: 10,
			Statuses:               []string{"draft", "in_progress", "completed", "archived"},
		}
	default:
		return PresetConfig{
			Users:                  2,
			ProjectsPerUser:        2,
			PredicatesPerProject:   2,
			DocumentsPerProject:    1,
			InteractionsPerProject: 2,
			Statuses:               []string{"draft", "in_progress"},
		}
	}
}
