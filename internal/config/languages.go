package config

// defaultImage is the toolchain image shared by the built-in languages.
const defaultImage = "virtual_machine"

// DefaultLanguages returns the built-in language table. Every entry shares one
// toolchain image; Compiler and RunCommand are handed to the entry script as
// single arguments and word-split there.
func DefaultLanguages() []LanguageConfig {
	return languageTable{
		{Name: "python", Label: "Python", Compiler: "python", SourceFile: "file.py"},
		{Name: "ruby", Label: "Ruby", Compiler: "ruby", SourceFile: "file.rb"},
		{Name: "clojure", Label: "Clojure", Compiler: "clojure", SourceFile: "file.clj"},
		{Name: "php", Label: "Php", Compiler: "php", SourceFile: "file.php"},
		{Name: "nodejs", Label: "Nodejs", Compiler: "nodejs", SourceFile: "file.js"},
		{Name: "scala", Label: "Scala", Compiler: "scala", SourceFile: "file.scala"},
		{Name: "go", Label: "Go", Compiler: "go run", SourceFile: "file.go"},
		{Name: "cpp", Label: "C/C++", Compiler: "g++ -o /usercode/a.out", SourceFile: "file.cpp", RunCommand: "/usercode/a.out"},
		{Name: "java", Label: "Java", Compiler: "javac", SourceFile: "file.java", RunCommand: "./usercode/javaRunner.sh"},
		{Name: "vbnet", Label: "VB.Net", Compiler: "vbnc -nologo -quiet", SourceFile: "file.vb", RunCommand: "mono /usercode/file.exe"},
		{Name: "csharp", Label: "C#", Compiler: "gmcs", SourceFile: "file.cs", RunCommand: "mono /usercode/file.exe"},
		{Name: "bash", Label: "Bash", Compiler: "/bin/bash", SourceFile: "file.sh"},
		{Name: "objc", Label: "Objective-C", Compiler: "gcc", SourceFile: "file.m", RunCommand: "/usercode/a.out"},
		{Name: "mysql", Label: "MYSQL", Compiler: "/usercode/sql_runner.sh", SourceFile: "file.sql"},
		{Name: "perl", Label: "Perl", Compiler: "perl", SourceFile: "file.pl"},
		{Name: "rust", Label: "Rust", Compiler: "env HOME=/opt/rust /opt/rust/.cargo/bin/rustc", SourceFile: "file.rs", RunCommand: "/usercode/a.out"},
	}.withImage(defaultImage)
}

type languageTable []LanguageConfig

func (t languageTable) withImage(image string) []LanguageConfig {
	for i := range t {
		if t[i].Image == "" {
			t[i].Image = image
		}
	}
	return t
}
