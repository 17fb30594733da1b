// Package sqlscript はマイグレーションファイルの解析とSQL文の分割を提供する。
//
// ファイルのフォーマット:
//
//	-- +migrate Version: 1.0.0
//	-- +migrate Description: create users
//	-- +migrate DependsOn: 001, 002
//	-- +migrate Up
//	CREATE TABLE ...;
//	-- +migrate Down
//	DROP TABLE ...;
//
// 方言ごとに異なる文は次のブロックで囲む。ブロック外の文はすべての方言で実行する。
//
//	-- +migrate Dialect: sqlite, postgres
//	DROP INDEX IF EXISTS idx_users_role;
//	-- +migrate EndDialect
package sqlscript

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"regulatory-dbkit/internal/domain"
)

const (
	directivePrefix = "-- +migrate"
	upMarker        = "-- +migrate Up"
	downMarker      = "-- +migrate Down"
	dialectMarker   = "-- +migrate Dialect:"
	endDialect      = "-- +migrate EndDialect"
)

// File は解析済みのマイグレーションファイルを表す。
type File struct {
	ID          string
	Name        string
	Version     string
	Description string
	DependsOn   []string
	Up          string
	Down        string
}

// ParseFileName はファイル名からIDと名前を抽出する。
// ファイル名のフォーマット: {id}_{name}.sql (例: 001_initial_schema.sql)
func ParseFileName(filename string) (id, name string, err error) {
	base := strings.TrimSuffix(path.Base(filename), ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {id}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// Parse はマイグレーションファイルの内容を解析する。
// Upマーカーがない場合はファイル全体を適用スクリプトとして扱う。
func Parse(filename, content string) (*File, error) {
	id, name, err := ParseFileName(filename)
	if err != nil {
		return nil, err
	}
	f := &File{ID: id, Name: name}

	header := content
	if idx := strings.Index(content, upMarker); idx >= 0 {
		header = content[:idx]
	}
	for _, line := range strings.Split(header, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, directivePrefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, directivePrefix)), ":")
		if !ok {
			return nil, fmt.Errorf("%w: %s: malformed directive %q", domain.ErrInvalidMigrationFile, filename, line)
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "version":
			f.Version = value
		case "description":
			f.Description = value
		case "dependson", "depends_on":
			for _, dep := range strings.Split(value, ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					f.DependsOn = append(f.DependsOn, dep)
				}
			}
		default:
			return nil, fmt.Errorf("%w: %s: unknown directive %q", domain.ErrInvalidMigrationFile, filename, key)
		}
	}

	f.Up, f.Down = Sections(content)
	if strings.TrimSpace(f.Up) == "" {
		return nil, fmt.Errorf("%w: %s: empty up section", domain.ErrInvalidMigrationFile, filename)
	}
	return f, nil
}

// Sections はUpセクションとDownセクションを返す。
func Sections(content string) (up, down string) {
	upIdx := strings.Index(content, upMarker)
	downIdx := strings.Index(content, downMarker)
	switch {
	case upIdx == -1 && downIdx == -1:
		return content, ""
	case upIdx == -1:
		return content[:downIdx], content[downIdx+len(downMarker):]
	case downIdx == -1:
		return content[upIdx+len(upMarker):], ""
	case downIdx < upIdx:
		return content[upIdx+len(upMarker):], content[downIdx+len(downMarker) : upIdx]
	default:
		return content[upIdx+len(upMarker) : downIdx], content[downIdx+len(downMarker):]
	}
}

// Split はスクリプトをSQL文に分割する。
// 引用符・コメント内のセミコロンは区切りとして扱わない。
// CREATE TRIGGER の BEGIN ... END は1つの文として扱う。コメントは出力から除く。
func Split(script string) []string {
	var (
		out     []string
		current strings.Builder
		words   []string // 文頭のキーワード（トリガー判定用）
		depth   int
		src     = []rune(script)
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" {
			out = append(out, stmt)
		}
		current.Reset()
		words = words[:0]
		depth = 0
	}

	isTrigger := func() bool {
		return len(words) >= 2 && words[0] == "CREATE" &&
			(words[1] == "TRIGGER" || (len(words) >= 3 && words[2] == "TRIGGER"))
	}

	for i := 0; i < len(src); i++ {
		r := src[i]
		switch {
		case r == '-' && i+1 < len(src) && src[i+1] == '-':
			for i < len(src) && src[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == '/' && i+1 < len(src) && src[i+1] == '*':
			i += 2
			for i+1 < len(src) && !(src[i] == '*' && src[i+1] == '/') {
				i++
			}
			i++
			current.WriteRune(' ')
		case r == '\'' || r == '"' || r == '`':
			j := i + 1
			for j < len(src) {
				if src[j] == r {
					// '' のような連続した引用符はエスケープ
					if j+1 < len(src) && src[j+1] == r {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j >= len(src) {
				j = len(src) - 1
			}
			current.WriteString(string(src[i : j+1]))
			i = j
		case r == '$' && i+1 < len(src) && src[i+1] == '$':
			j := i + 2
			for j+1 < len(src) && !(src[j] == '$' && src[j+1] == '$') {
				j++
			}
			if j+1 >= len(src) {
				current.WriteString(string(src[i:]))
				i = len(src)
				continue
			}
			current.WriteString(string(src[i : j+2]))
			i = j + 1
		case r == ';':
			if depth > 0 {
				current.WriteRune(r)
				continue
			}
			flush()
		case isWordRune(r) && (i == 0 || !isWordRune(src[i-1])):
			j := i
			for j < len(src) && isWordRune(src[j]) {
				j++
			}
			word := strings.ToUpper(string(src[i:j]))
			if len(words) < 3 {
				words = append(words, word)
			}
			if isTrigger() {
				switch word {
				case "BEGIN", "CASE":
					depth++
				case "END":
					if depth > 0 {
						depth--
					}
				}
			}
			current.WriteString(string(src[i:j]))
			i = j - 1
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}

// ForDialect は指定した方言向けでないDialectブロックを取り除いたスクリプトを返す。
// 方言名はgormのDialector.Name()と同じ（sqlite, mysql, postgres）。
func ForDialect(script, dialect string) (string, error) {
	var (
		out     strings.Builder
		inBlock bool
		keep    = true
	)
	for _, line := range strings.SplitAfter(script, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, dialectMarker):
			if inBlock {
				return "", fmt.Errorf("%w: nested dialect block", domain.ErrInvalidMigrationFile)
			}
			inBlock, keep = true, false
			for _, name := range strings.Split(strings.TrimPrefix(trimmed, dialectMarker), ",") {
				if strings.EqualFold(strings.TrimSpace(name), dialect) {
					keep = true
				}
			}
		case trimmed == endDialect:
			if !inBlock {
				return "", fmt.Errorf("%w: EndDialect without Dialect", domain.ErrInvalidMigrationFile)
			}
			inBlock, keep = false, true
		case keep:
			out.WriteString(line)
		}
	}
	if inBlock {
		return "", fmt.Errorf("%w: unterminated dialect block", domain.ErrInvalidMigrationFile)
	}
	return out.String(), nil
}

// IsTrigger はSQL文がトリガー定義かどうかを返す。
func IsTrigger(stmt string) bool {
	fields := strings.Fields(strings.ToUpper(stmt))
	if len(fields) < 2 || fields[0] != "CREATE" && fields[0] != "DROP" {
		return false
	}
	if fields[1] == "TRIGGER" {
		return true
	}
	return len(fields) >= 3 && (fields[1] == "TEMP" || fields[1] == "TEMPORARY") && fields[2] == "TRIGGER"
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
