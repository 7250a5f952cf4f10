package classify

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		sql  string
		want Result
	}{
		{
			name: "fetch data",
			sql:  `SELECT md_fetch_data('http://a/FS/4')`,
			want: Result{Kind: FetchData, Arg: "http://a/FS/4"},
		},
		{
			name: "fetch data case insensitive with semicolon",
			sql:  `select MD_FETCH_DATA('http://a/FS/4');`,
			want: Result{Kind: FetchData, Arg: "http://a/FS/4"},
		},
		{
			name: "fetch data surrounded by whitespace",
			sql:  "  \n SELECT md_fetch_data('http://a/FS/4') \t ",
			want: Result{Kind: FetchData, Arg: "http://a/FS/4"},
		},
		{
			name: "list loaders",
			sql:  `SELECT md_list_data_loaders()`,
			want: Result{Kind: ListDataLoaders},
		},
		{
			name: "remove data",
			sql:  `SELECT md_remove_data('http://a/FS/4')`,
			want: Result{Kind: RemoveData, Arg: "http://a/FS/4"},
		},
		{
			name: "mediator error passthrough",
			sql:  `SELECT md_mediator_error('boom')`,
			want: Result{Kind: MediatorError, Arg: "boom"},
		},
		{
			name: "ordinary select",
			sql:  `SELECT * FROM accounts`,
			want: Result{Kind: Ordinary},
		},
		{
			name: "builtin buried in larger statement stays ordinary",
			sql:  `SELECT md_fetch_data('http://a') FROM t`,
			want: Result{Kind: Ordinary},
		},
		{
			name: "fetch with extra argument stays ordinary",
			sql:  `SELECT md_fetch_data('http://a', 'extra')`,
			want: Result{Kind: Ordinary},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.sql)
			if got != c.want {
				t.Fatalf("Classify(%q) = %+v, want %+v", c.sql, got, c.want)
			}
		})
	}
}

func TestIsValidURL(t *testing.T) {
	valid := []string{
		"http://a/FS/1",
		"https://example.com/geoserver/ows?typeName=topp:states",
		"http://host:8080",
	}
	for _, u := range valid {
		if !IsValidURL(u) {
			t.Errorf("IsValidURL(%q) = false, want true", u)
		}
	}
	invalid := []string{
		"",
		"accounts",
		"://missing-scheme",
		"http://",
		"http:///path-only",
		"a1b2c3d4e5f6",
	}
	for _, u := range invalid {
		if IsValidURL(u) {
			t.Errorf("IsValidURL(%q) = true, want false", u)
		}
	}
}
