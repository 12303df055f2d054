package selection

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	labelFileRe  = regexp.MustCompile(`(\S+\.xml|\S+\.json|\S+\.txt)$`)
	annotationRe = regexp.MustCompile(`<annotation>[\s\S]*?</annotation>`)
	filenameRe   = regexp.MustCompile(`<filename>(.*?)</filename>`)
)

// xml / json markers that identify annotation file contents.
var (
	xmlMarkers  = []string{"<annotation>", "<object>", "<name>", "<bndbox>"}
	jsonMarkers = []string{`"bbox":`, `"category_id":`, `"segmentation":`}

	// fileListMarkers identify lines of a bare directory listing.
	fileListMarkers = []string{"Annotations", "Images", ".xml", ".json", ".txt"}
)

// ParseLabelFiles extracts annotation filenames from a directory
// listing, one per line.
func ParseLabelFiles(content string) []string {
	var files []string
	for _, line := range strings.Split(content, "\n") {
		if m := labelFileRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			files = append(files, m[1])
		}
	}
	return files
}

// IsFileContent classifies fetched label data: true when it holds
// annotation contents, false when it is only a file listing.
func IsFileContent(content string) bool {
	for _, m := range xmlMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}
	for _, m := range jsonMarkers {
		if strings.Contains(content, m) {
			return true
		}
	}

	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) < 20 && allLinesLookLikeFiles(lines) {
		return false
	}

	// Long unrecognized output is more likely contents than a listing.
	return len(content) > 1000
}

func allLinesLookLikeFiles(lines []string) bool {
	for _, line := range lines {
		matched := false
		for _, m := range fileListMarkers {
			if strings.Contains(line, m) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// OrganizeLabelContent groups XML annotation blocks by their
// <filename> so the selection prompt presents one section per image.
// Non-XML content passes through unchanged.
func OrganizeLabelContent(content string) string {
	if !strings.Contains(content, "<annotation>") {
		return content
	}
	annotations := annotationRe.FindAllString(content, -1)
	if len(annotations) == 0 {
		return content
	}

	var order []string
	grouped := make(map[string][]string)
	for _, ann := range annotations {
		m := filenameRe.FindStringSubmatch(ann)
		if m == nil {
			continue
		}
		name := m[1]
		if _, seen := grouped[name]; !seen {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], ann)
	}

	var b strings.Builder
	b.WriteString("# 标签内容按文件名整理\n\n")
	for _, name := range order {
		fmt.Fprintf(&b, "## 文件: %s\n\n", name)
		for i, ann := range grouped[name] {
			fmt.Fprintf(&b, "### 标注 %d\n```xml\n%s\n```\n\n", i+1, ann)
		}
	}
	return b.String()
}
