package output

func renderMarkdown(v View) string {
	if len(v.Rows) == 0 && v.Empty != "" {
		return "_" + v.Empty + "_"
	}
	title := ""
	if v.Title != "" {
		title = "## " + v.Title + "\n\n"
		v.Title = ""
	}
	return title + newWriter(v).RenderMarkdown()
}
