package textproc_test

import (
	"testing"

	"github.com/skygazer42/TingWu/internal/textproc"
)

func TestPostProcessor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts textproc.PostOptions
		in   string
		want string
	}{
		{
			name: "zero options keep text",
			opts: textproc.PostOptions{},
			in:   "你好，，世界！！",
			want: "你好，，世界！！",
		},
		{
			name: "half width with spaces",
			opts: textproc.PostOptions{PunctStyle: textproc.PunctHalf, AddSpace: true},
			in:   "你好，世界。",
			want: "你好, 世界. ",
		},
		{
			name: "full width",
			opts: textproc.PostOptions{PunctStyle: textproc.PunctFull},
			in:   "Hello, World!",
			want: "Hello， World！",
		},
		{
			name: "fullwidth ascii then merge",
			opts: textproc.PostOptions{Fullwidth: true, MergeRepeats: true},
			in:   "ＯＫ！！好。。",
			want: "OK!好。",
		},
		{
			name: "all stages half width",
			opts: textproc.PostOptions{PunctStyle: textproc.PunctHalf, Fullwidth: true, MergeRepeats: true},
			in:   "你好。。世界！",
			want: "你好.世界!",
		},
		{
			name: "merge mixed pair",
			opts: textproc.PostOptions{MergeRepeats: true},
			in:   "结束了。.继续",
			want: "结束了。继续",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := textproc.NewPostProcessor(tt.opts).Process(tt.in); got != tt.want {
				t.Errorf("Process(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestPostProcessorEmpty(t *testing.T) {
	t.Parallel()

	p := textproc.NewPostProcessor(textproc.PostOptions{PunctStyle: textproc.PunctHalf, Fullwidth: true})
	if got := p.Process(""); got != "" {
		t.Errorf("Process(\"\") = %q, want empty", got)
	}
}
